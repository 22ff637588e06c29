package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/twino-framework/twino-mq/internal/adminproto"
	"github.com/twino-framework/twino-mq/internal/hmqclient"
	"github.com/twino-framework/twino-mq/internal/message"
)

func TestAdminQueueCreateListPause(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	admin := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "admin-cli"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go admin.Run(ctx)
	defer admin.Close()
	waitConnected(t, admin)

	createReq := adminproto.QueueCreateRequest{Name: "orders", Acknowledge: "wait", Status: "running"}
	body, _ := json.Marshal(createReq)
	m := message.New(message.TypeDirectMessage, adminproto.ContentQueueCreate)
	m.SetContent(body)
	reply, err := admin.Request(context.Background(), adminproto.Target, m, 2*time.Second)
	if err != nil {
		t.Fatalf("queue create request: %v", err)
	}
	var createResp adminproto.OKResponse
	if err := json.Unmarshal(reply.Content, &createResp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !createResp.OK {
		t.Fatal("expected OK response from queue create")
	}

	listM := message.New(message.TypeDirectMessage, adminproto.ContentQueueList)
	listReply, err := admin.Request(context.Background(), adminproto.Target, listM, 2*time.Second)
	if err != nil {
		t.Fatalf("queue list request: %v", err)
	}
	var listResp adminproto.QueueListResponse
	if err := json.Unmarshal(listReply.Content, &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listResp.Queues) != 1 || listResp.Queues[0].Name != "orders" {
		t.Fatalf("expected one queue named orders, got %+v", listResp.Queues)
	}
	if listResp.Queues[0].Status != "running" {
		t.Fatalf("expected status running, got %q", listResp.Queues[0].Status)
	}

	pauseReq := adminproto.QueuePauseRequest{Name: "orders", Pause: true}
	pauseBody, _ := json.Marshal(pauseReq)
	pauseM := message.New(message.TypeDirectMessage, adminproto.ContentQueuePause)
	pauseM.SetContent(pauseBody)
	if _, err := admin.Request(context.Background(), adminproto.Target, pauseM, 2*time.Second); err != nil {
		t.Fatalf("queue pause request: %v", err)
	}

	listReply2, err := admin.Request(context.Background(), adminproto.Target, message.New(message.TypeDirectMessage, adminproto.ContentQueueList), 2*time.Second)
	if err != nil {
		t.Fatalf("second queue list request: %v", err)
	}
	var listResp2 adminproto.QueueListResponse
	if err := json.Unmarshal(listReply2.Content, &listResp2); err != nil {
		t.Fatalf("decode second list response: %v", err)
	}
	if listResp2.Queues[0].Status != "paused" {
		t.Fatalf("expected status paused after pause request, got %q", listResp2.Queues[0].Status)
	}
}

func TestAdminQueueDelete(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	admin := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "admin-cli"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go admin.Run(ctx)
	defer admin.Close()
	waitConnected(t, admin)

	createReq := adminproto.QueueCreateRequest{Name: "orders", Acknowledge: "none", Status: "running"}
	createBody, _ := json.Marshal(createReq)
	createM := message.New(message.TypeDirectMessage, adminproto.ContentQueueCreate)
	createM.SetContent(createBody)
	if _, err := admin.Request(context.Background(), adminproto.Target, createM, 2*time.Second); err != nil {
		t.Fatalf("queue create request: %v", err)
	}

	deleteReq := adminproto.QueueDeleteRequest{Name: "orders"}
	deleteBody, _ := json.Marshal(deleteReq)
	deleteM := message.New(message.TypeDirectMessage, adminproto.ContentQueueDelete)
	deleteM.SetContent(deleteBody)
	reply, err := admin.Request(context.Background(), adminproto.Target, deleteM, 2*time.Second)
	if err != nil {
		t.Fatalf("queue delete request: %v", err)
	}
	var deleteResp adminproto.OKResponse
	if err := json.Unmarshal(reply.Content, &deleteResp); err != nil {
		t.Fatalf("decode delete response: %v", err)
	}
	if !deleteResp.OK {
		t.Fatal("expected OK response from queue delete")
	}

	listReply, err := admin.Request(context.Background(), adminproto.Target, message.New(message.TypeDirectMessage, adminproto.ContentQueueList), 2*time.Second)
	if err != nil {
		t.Fatalf("queue list request: %v", err)
	}
	var listResp adminproto.QueueListResponse
	if err := json.Unmarshal(listReply.Content, &listResp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listResp.Queues) != 0 {
		t.Fatalf("expected no queues after delete, got %+v", listResp.Queues)
	}

	secondDelete, err := admin.Request(context.Background(), adminproto.Target, deleteM, 2*time.Second)
	if err != nil {
		t.Fatalf("second queue delete request: %v", err)
	}
	var errResp adminproto.ErrorResponse
	if err := json.Unmarshal(secondDelete.Content, &errResp); err != nil {
		t.Fatalf("decode second delete response: %v", err)
	}
	if errResp.Error == "" {
		t.Fatal("expected an error deleting an already-deleted queue")
	}
}

func TestAdminRouterBindRejectsUnknownKind(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	admin := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "admin-cli"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go admin.Run(ctx)
	defer admin.Close()
	waitConnected(t, admin)

	req := adminproto.RouterBindRequest{Kind: "not-a-kind", Target: "orders"}
	body, _ := json.Marshal(req)
	m := message.New(message.TypeDirectMessage, adminproto.ContentRouterBind)
	m.SetContent(body)

	reply, err := admin.Request(context.Background(), adminproto.Target, m, 2*time.Second)
	if err != nil {
		t.Fatalf("request itself should not fail, the payload should carry an error: %v", err)
	}
	var errResp adminproto.ErrorResponse
	if jerr := json.Unmarshal(reply.Content, &errResp); jerr != nil {
		t.Fatalf("decode error response: %v", jerr)
	}
	if errResp.Error == "" {
		t.Fatal("expected a non-empty error for an unrecognized binding kind")
	}
}

func TestAdminNodeListEmptyWithoutCluster(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	admin := hmqclient.New(hmqclient.Config{Addr: addr, ClientID: "admin-cli"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go admin.Run(ctx)
	defer admin.Close()
	waitConnected(t, admin)

	m := message.New(message.TypeDirectMessage, adminproto.ContentNodeList)
	reply, err := admin.Request(context.Background(), adminproto.Target, m, 2*time.Second)
	if err != nil {
		t.Fatalf("node list request: %v", err)
	}
	var resp adminproto.NodeListResponse
	if err := json.Unmarshal(reply.Content, &resp); err != nil {
		t.Fatalf("decode node list response: %v", err)
	}
	if len(resp.Nodes) != 0 {
		t.Fatalf("expected no nodes without cluster presence enabled, got %+v", resp.Nodes)
	}
}
