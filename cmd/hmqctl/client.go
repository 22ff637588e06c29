package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/twino-framework/twino-mq/internal/adminproto"
	"github.com/twino-framework/twino-mq/internal/hmqclient"
	"github.com/twino-framework/twino-mq/internal/message"
)

// requestTimeout bounds both the initial connect and the admin
// round-trip -- an admin CLI invocation is a one-shot command, not a
// long-lived peer, so it has no business waiting indefinitely.
const requestTimeout = 10 * time.Second

// adminRequest dials addr, sends one admin DirectMessage carrying req as
// JSON content under contentType, and decodes the Response frame's
// content into resp. It connects, round-trips, and disconnects -- no
// reconnect loop, since a CLI invocation that can't reach the broker
// should just fail.
func adminRequest(addr string, contentType uint16, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hmqctl: encoding request: %w", err)
	}

	cl := hmqclient.New(hmqclient.Config{
		Addr:     addr,
		ClientID: "hmqctl-" + uuid.NewString(),
		Name:     "hmqctl",
		Type:     "admin",
	})

	connected := make(chan struct{}, 1)
	cl.OnConnected(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go cl.Run(runCtx)
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	select {
	case <-connected:
	case <-ctx.Done():
		return fmt.Errorf("hmqctl: timed out connecting to %s", addr)
	}

	m := message.New(message.TypeDirectMessage, contentType)
	m.SetContent(body)

	reply, err := cl.Request(ctx, adminproto.Target, m, requestTimeout)
	if err != nil {
		return err
	}

	var errResp adminproto.ErrorResponse
	if json.Unmarshal(reply.Content, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("hmqd: %s", errResp.Error)
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(reply.Content, resp)
}
