// Package api exposes the marketplace settlement surface over REST:
// agent registration and trust queries, bond ledger operations, risk
// assessments, gig lifecycle transitions, escrow settlement, and swarm
// validation voting.
package api
