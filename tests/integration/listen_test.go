/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package integration exercises a running loqa-listen instance. Tests skip
// when the service is not reachable.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const testTimeout = 30 * time.Second

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	testGRPCAddress = envOr("LOQA_LISTEN_GRPC", "localhost:50051")
	testHTTPBase    = envOr("LOQA_LISTEN_HTTP", "http://localhost:8000")
)

func TestHealthService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	conn, err := grpc.NewClient(testGRPCAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)

	checkCtx, checkCancel := context.WithTimeout(ctx, 2*time.Second)
	defer checkCancel()
	resp, err := client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Skipf("Could not reach loqa-listen at %s: %v", testGRPCAddress, err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("Expected SERVING, got %s", resp.GetStatus())
	}

	resp, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "loqa.listen.Transcription"})
	if err != nil {
		t.Fatalf("Transcription health check failed: %v", err)
	}
	t.Logf("Transcription session status: %s", resp.GetStatus())
}

func TestHTTPHealth(t *testing.T) {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(testHTTPBase + "/health")
	if err != nil {
		t.Skipf("Could not reach loqa-listen at %s: %v", testHTTPBase, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if _, ok := body["transcription"]; !ok {
		t.Error("Health response is missing the transcription section")
	}
}

func TestGetAudioDirect(t *testing.T) {
	if os.Getenv("LOQA_LISTEN_LIVE_SYNTHESIS") == "" {
		t.Skip("Set LOQA_LISTEN_LIVE_SYNTHESIS to call the cloud services")
	}

	client := &http.Client{Timeout: testTimeout}
	resp, err := client.Get(testHTTPBase + "/get-audio-direct?text=" + url.QueryEscape("你好"))
	if err != nil {
		t.Skipf("Could not reach loqa-listen at %s: %v", testHTTPBase, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Expected audio/wav, got %s", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "generated_audio.wav") {
		t.Errorf("Unexpected Content-Disposition %q", cd)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read audio: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Received empty audio")
	}
}
