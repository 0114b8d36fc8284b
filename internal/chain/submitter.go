package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCSubmitter 通过独立的 JSON-RPC 端点 (例如防抢跑的私有交易池) 提交已签名交易
type RPCSubmitter struct {
	client *rpc.Client
	method string
}

var _ APISubmitter = (*RPCSubmitter)(nil)

func DialSubmitter(ctx context.Context, url string) (*RPCSubmitter, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial submit api %s: %w", url, err)
	}
	return &RPCSubmitter{client: c, method: "eth_sendRawTransaction"}, nil
}

func (s *RPCSubmitter) SubmitRawTransaction(ctx context.Context, rawHex string) (string, error) {
	var hash common.Hash
	if err := s.client.CallContext(ctx, &hash, s.method, rawHex); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (s *RPCSubmitter) Close() {
	s.client.Close()
}
