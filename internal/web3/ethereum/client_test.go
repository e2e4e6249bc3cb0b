package ethereum

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"MoltMarket-Core/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// fakeCaller answers registry calls from an in-memory feedback fixture.
type fakeCaller struct {
	abi      abi.ABI
	score    int64
	feedback []web3.Feedback
}

func newFakeCaller(t *testing.T, score int64, feedback []web3.Feedback) *fakeCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(reputationRegistryABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &fakeCaller{abi: parsed, score: score, feedback: feedback}
}

func (f *fakeCaller) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "getScore":
		return method.Outputs.Pack(big.NewInt(f.score))
	case "getFeedbackCount":
		return method.Outputs.Pack(big.NewInt(int64(len(f.feedback))))
	case "getFeedback":
		index := args[1].(*big.Int).Int64()
		entry := f.feedback[index]
		return method.Outputs.Pack(
			common.HexToAddress(entry.From),
			common.HexToAddress(entry.To),
			entry.Score,
			strings.Join(entry.Tags, ","),
			entry.ProofURI,
			uint64(entry.Timestamp),
		)
	}
	return nil, nil
}

func TestClientRegistryReads(t *testing.T) {
	feedback := []web3.Feedback{
		{
			From:      "0x1111111111111111111111111111111111111111",
			To:        "0x2222222222222222222222222222222222222222",
			Score:     80,
			Tags:      []string{"fast", "accurate"},
			ProofURI:  "ipfs://proof-1",
			Timestamp: 1700000000,
		},
		{
			From:      "0x3333333333333333333333333333333333333333",
			To:        "0x2222222222222222222222222222222222222222",
			Score:     60,
			Timestamp: 1700000100,
		},
	}
	caller := newFakeCaller(t, 640, feedback)

	client, err := NewCallerClient("test", common.HexToAddress("0x4444444444444444444444444444444444444444"), caller)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	agent := "0x2222222222222222222222222222222222222222"

	score, err := client.Score(ctx, agent)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 640 {
		t.Fatalf("expected score 640, got %d", score)
	}

	count, err := client.FeedbackCount(ctx, agent)
	if err != nil {
		t.Fatalf("feedback count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 feedback entries, got %d", count)
	}

	entry, err := client.FeedbackAt(ctx, agent, 0)
	if err != nil {
		t.Fatalf("feedback at: %v", err)
	}
	if entry.Score != 80 {
		t.Fatalf("unexpected feedback score: %d", entry.Score)
	}
	if len(entry.Tags) != 2 || entry.Tags[0] != "fast" {
		t.Fatalf("unexpected tags: %v", entry.Tags)
	}
	if entry.ProofURI != "ipfs://proof-1" {
		t.Fatalf("unexpected proof uri: %s", entry.ProofURI)
	}

	avg, err := client.AverageFeedback(ctx, agent)
	if err != nil {
		t.Fatalf("average feedback: %v", err)
	}
	if avg != 70 {
		t.Fatalf("expected average 70, got %f", avg)
	}
}

func TestAverageFeedbackEmpty(t *testing.T) {
	caller := newFakeCaller(t, 0, nil)
	client, err := NewCallerClient("test", common.Address{}, caller)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	avg, err := client.AverageFeedback(context.Background(), "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("average feedback: %v", err)
	}
	if avg != 0 {
		t.Fatalf("expected 0 average for empty history, got %f", avg)
	}
}
