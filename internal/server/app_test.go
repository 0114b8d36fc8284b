package server

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShutdownOrder(t *testing.T) {
	app := New(Config{HttpPort: "0"}, http.NotFoundHandler())

	var order []string
	record := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	app.OnShutdown("runner", record("runner", nil))
	app.OnShutdown("nonce", record("nonce", errors.New("timeout")))
	app.OnExit("database", record("database", nil))
	app.OnExit("redis", record("redis", nil))

	app.Shutdown(context.Background())

	// 某个组件关闭失败不影响后续组件
	assert.Equal(t, []string{"runner", "nonce", "database", "redis"}, order)
}
