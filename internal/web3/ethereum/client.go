package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"MoltMarket-Core/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// reputationRegistryABI is the read surface of the on-chain reputation
// registry. Feedback tags are stored comma-separated in a single string.
const reputationRegistryABI = `[
  {"name":"getScore","type":"function","stateMutability":"view",
   "inputs":[{"name":"agent","type":"address"}],
   "outputs":[{"name":"score","type":"uint256"}]},
  {"name":"getFeedbackCount","type":"function","stateMutability":"view",
   "inputs":[{"name":"agent","type":"address"}],
   "outputs":[{"name":"count","type":"uint256"}]},
  {"name":"getFeedback","type":"function","stateMutability":"view",
   "inputs":[{"name":"agent","type":"address"},{"name":"index","type":"uint256"}],
   "outputs":[
     {"name":"from","type":"address"},
     {"name":"to","type":"address"},
     {"name":"score","type":"uint8"},
     {"name":"tags","type":"string"},
     {"name":"proofUri","type":"string"},
     {"name":"timestamp","type":"uint64"}]}
]`

// averageFeedbackWindow bounds how many recent entries AverageFeedback reads.
const averageFeedbackWindow = 20

// Config describes how to construct an EVM compatible registry client.
type Config struct {
	Name            string
	RPCURL          string
	RegistryAddress string
	Notes           string
}

// contractCaller mirrors the subset of ethclient used for registry reads so
// tests can substitute a fake backend.
type contractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	caller    contractCaller
	registry  common.Address
	abi       abi.ABI
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链的 RPC 地址")
	}
	registryAddr := strings.TrimSpace(cfg.RegistryAddress)
	if !common.IsHexAddress(registryAddr) {
		return nil, fmt.Errorf("链 %s 的 registry_address 非法: %q", cfg.Name, cfg.RegistryAddress)
	}

	parsedABI, err := abi.JSON(strings.NewReader(reputationRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("解析 registry ABI 失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		caller:    eth,
		registry:  common.HexToAddress(registryAddr),
		abi:       parsedABI,
	}, nil
}

// NewCallerClient wraps an arbitrary contract caller, used by tests.
func NewCallerClient(name string, registry common.Address, caller contractCaller) (*Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(reputationRegistryABI))
	if err != nil {
		return nil, err
	}
	return &Client{
		name:     name,
		caller:   caller,
		registry: registry,
		abi:      parsedABI,
		notes:    "caller backend",
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.caller = nil
}

// Score returns the registry score for the agent address.
func (c *Client) Score(ctx context.Context, address string) (int64, error) {
	out, err := c.call(ctx, "getScore", common.HexToAddress(address))
	if err != nil {
		return 0, err
	}
	score, ok := out[0].(*big.Int)
	if !ok {
		return 0, errors.New("registry 返回的评分类型不正确")
	}
	return score.Int64(), nil
}

// FeedbackCount returns how many feedback entries exist for the address.
func (c *Client) FeedbackCount(ctx context.Context, address string) (int64, error) {
	out, err := c.call(ctx, "getFeedbackCount", common.HexToAddress(address))
	if err != nil {
		return 0, err
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return 0, errors.New("registry 返回的计数类型不正确")
	}
	return count.Int64(), nil
}

// FeedbackAt returns the index-th feedback entry for the address.
func (c *Client) FeedbackAt(ctx context.Context, address string, index int64) (web3.Feedback, error) {
	out, err := c.call(ctx, "getFeedback", common.HexToAddress(address), big.NewInt(index))
	if err != nil {
		return web3.Feedback{}, err
	}
	if len(out) != 6 {
		return web3.Feedback{}, fmt.Errorf("registry 返回了 %d 个字段，预期 6 个", len(out))
	}

	from, _ := out[0].(common.Address)
	to, _ := out[1].(common.Address)
	score, _ := out[2].(uint8)
	rawTags, _ := out[3].(string)
	proofURI, _ := out[4].(string)
	timestamp, _ := out[5].(uint64)

	var tags []string
	if trimmed := strings.TrimSpace(rawTags); trimmed != "" {
		for _, tag := range strings.Split(trimmed, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	return web3.Feedback{
		From:      from.Hex(),
		To:        to.Hex(),
		Score:     score,
		Tags:      tags,
		ProofURI:  proofURI,
		Timestamp: int64(timestamp),
	}, nil
}

// AverageFeedback reads up to the latest averageFeedbackWindow entries and
// returns their mean score. An agent without feedback averages to 0.
func (c *Client) AverageFeedback(ctx context.Context, address string) (float64, error) {
	count, err := c.FeedbackCount(ctx, address)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	start := int64(0)
	if count > averageFeedbackWindow {
		start = count - averageFeedbackWindow
	}

	var sum float64
	var read int64
	for i := start; i < count; i++ {
		feedback, err := c.FeedbackAt(ctx, address, i)
		if err != nil {
			return 0, err
		}
		sum += float64(feedback.Score)
		read++
	}
	return sum / float64(read), nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{Notes: c.notes}, errors.New("客户端缺少链访问后端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     "0x" + chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	caller := c.caller
	if caller == nil {
		return nil, errors.New("未初始化的链客户端")
	}

	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}

	msg := gethcore.CallMsg{To: &c.registry, Data: input}
	raw, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 registry.%s 失败: %w", method, err)
	}

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("registry.%s 没有返回值", method)
	}
	return out, nil
}

var _ web3.Client = (*Client)(nil)
