// Package mysql owns the shared MySQL connection pool and schema
// migrations for the marketplace stores. Domain packages receive the
// *sql.DB it opens and layer their own repositories on top.
package mysql
