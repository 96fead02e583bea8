package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bloodnet.org/internal/ids"
)

// smoke drives one request from submission to fulfilment against a running
// API started with BLOODNET_DEV_TOKENS=true and a bootstrapped admin.
func main() {
	base := envOr("BLOODNET_SMOKE_URL", "http://localhost:8080")
	adminID := envOr("BLOODNET_BOOTSTRAP_ADMIN_ID", "usr_admin")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if addr := os.Getenv("BLOODNET_GRPC_ADDR"); addr != "" {
		checkGRPCHealth(ctx, addr)
	}

	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
	adminTok := c.token(ctx, adminID)

	suffix := ids.New()
	var donor, hospital struct {
		ID string `json:"id"`
	}
	c.call(ctx, http.MethodPost, "/v1/users", adminTok, map[string]any{
		"username":   "smoke-donor-" + suffix,
		"email":      "smoke-donor@example.org",
		"roles":      []string{"donor"},
		"blood_type": "O-",
		"available":  true,
	}, http.StatusCreated, &donor)
	c.call(ctx, http.MethodPost, "/v1/users", adminTok, map[string]any{
		"username": "smoke-hospital-" + suffix,
		"roles":    []string{"hospital"},
	}, http.StatusCreated, &hospital)

	donorTok := c.token(ctx, donor.ID)
	hospitalTok := c.token(ctx, hospital.ID)

	var before struct {
		Quantity int `json:"quantity"`
	}
	c.call(ctx, http.MethodGet, "/v1/inventory/AB+", hospitalTok, nil, 0, &before)

	var submitted struct {
		Outcome string `json:"outcome"`
		Request struct {
			ID string `json:"id"`
		} `json:"request"`
		Match *struct {
			DonorID string `json:"donor_id"`
		} `json:"match"`
	}
	c.call(ctx, http.MethodPost, "/v1/requests", hospitalTok, map[string]any{
		"blood_type": "AB+",
		"quantity":   1,
		"urgency":    "critical",
	}, http.StatusCreated, &submitted)
	if submitted.Outcome != "matched" || submitted.Match == nil {
		log.Fatalf("request %s not matched: outcome=%s", submitted.Request.ID, submitted.Outcome)
	}
	if submitted.Match.DonorID != donor.ID {
		// Another available O- donor registered earlier took the request.
		log.Fatalf("request %s matched donor %s, expected %s", submitted.Request.ID, submitted.Match.DonorID, donor.ID)
	}

	reqPath := "/v1/requests/" + submitted.Request.ID
	c.call(ctx, http.MethodPost, reqPath+"/claim", donorTok, nil, http.StatusOK, nil)
	c.call(ctx, http.MethodPost, reqPath+"/confirm", donorTok, nil, http.StatusCreated, nil)

	var req struct {
		Status string `json:"status"`
	}
	c.call(ctx, http.MethodGet, reqPath, hospitalTok, nil, http.StatusOK, &req)
	if req.Status != "FULFILLED" {
		log.Fatalf("request %s status %s", submitted.Request.ID, req.Status)
	}
	var after struct {
		Quantity int `json:"quantity"`
	}
	c.call(ctx, http.MethodGet, "/v1/inventory/AB+", hospitalTok, nil, http.StatusOK, &after)
	if after.Quantity != before.Quantity+1 {
		log.Fatalf("inventory AB+ went %d -> %d", before.Quantity, after.Quantity)
	}

	fmt.Printf("✅ bloodnet smoke test passed: request=%s donor=%s\n", submitted.Request.ID, donor.ID)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) token(ctx context.Context, userID string) string {
	var out struct {
		Token string `json:"token"`
	}
	c.call(ctx, http.MethodPost, "/v1/auth/token", "", map[string]string{"user_id": userID}, http.StatusOK, &out)
	return out.Token
}

// call performs one JSON round trip. want 0 accepts any 2xx or 404.
func (c *client) call(ctx context.Context, method, path, token string, body any, want int, dst any) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case want == 0 && resp.StatusCode == http.StatusNotFound:
		return
	case want == 0 && resp.StatusCode/100 == 2:
	case resp.StatusCode != want:
		log.Fatalf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func checkGRPCHealth(ctx context.Context, addr string) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc %s: %v", addr, err)
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health status %s", resp.GetStatus())
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
