package main

import (
	"context"
	"strings"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/agentuity/go-bridge/worker"
	"github.com/cockroachdb/errors"
)

// predict answers a question and lets an optional host "validate" tool veto
// the answer
func predict(ctx context.Context, call *worker.Call) (any, error) {
	question := strings.TrimSpace(call.String("question", ""))
	if question == "" {
		return nil, fault.MissingRequired("question")
	}
	answer := "unknown"
	if strings.HasSuffix(question, "?") {
		answer = "yes"
	}
	valid, err := call.InvokeCallback(ctx, "validate", map[string]any{"question": question, "answer": answer})
	switch {
	case errors.Is(err, fault.ErrToolNotFound):
	case err != nil:
		return nil, err
	default:
		if ok, _ := valid.(bool); !ok {
			answer = "needs review"
		}
	}
	return map[string]any{
		"answer":      answer,
		"temperature": call.Float("temperature", 0.7),
	}, nil
}

func echo(_ context.Context, call *worker.Call) (any, error) {
	return call.Args, nil
}

func handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		"predict":           predict,
		"models.qa.predict": predict,
		"echo":              echo,
	}
}

// serve runs one worker on conn. It has the shape of pool.FuncSpawner and
// grpcx.ServeFunc.
func serve(log logger.Logger, concurrency int) func(ctx context.Context, id string, conn protocol.Conn) error {
	return func(ctx context.Context, id string, conn protocol.Conn) error {
		return worker.New(conn, worker.Options{
			ID:          id,
			Handlers:    handlers(),
			Concurrency: concurrency,
			Logger:      log,
		}).Serve(ctx)
	}
}
