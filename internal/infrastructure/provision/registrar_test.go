package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/infrastructure/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLogger(io.Discard, "error")
}

func testPublicKey() string {
	var key [32]byte
	key[0] = 42
	return model.EncodeKey(key)
}

func TestRegisterSuccess(t *testing.T) {
	peerKey := testPublicKey()

	var gotReq model.RegisterRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/register" {
			t.Errorf("path = %s, want /v1/register", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(model.RegisterResponse{
			Status: "success",
			Code:   200,
			Data: model.RegisterData{
				AssignedAddress: "10.66.0.7",
				PeerPublicKey:   peerKey,
				Endpoint:        "relay.example.net:51820",
				License:         "lic-789",
			},
		})
	}))
	defer server.Close()

	r := NewRegistrar(server.URL, testLogger())
	data, err := r.Register(context.Background(), testPublicKey())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if gotReq.PublicKey != testPublicKey() {
		t.Errorf("sent public key = %q", gotReq.PublicKey)
	}
	if data.AssignedAddress != "10.66.0.7" {
		t.Errorf("AssignedAddress = %q", data.AssignedAddress)
	}
	if data.Endpoint != "relay.example.net:51820" {
		t.Errorf("Endpoint = %q", data.Endpoint)
	}
	if data.License != "lic-789" {
		t.Errorf("License = %q", data.License)
	}
}

func TestRegisterTrailingSlashBaseURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/register" {
			t.Errorf("path = %s, want /v1/register", r.URL.Path)
		}
		json.NewEncoder(w).Encode(model.RegisterResponse{
			Status: "success",
			Code:   200,
			Data: model.RegisterData{
				AssignedAddress: "10.66.0.7",
				PeerPublicKey:   testPublicKey(),
				Endpoint:        "relay.example.net:51820",
			},
		})
	}))
	defer server.Close()

	r := NewRegistrar(server.URL+"/", testLogger())
	if _, err := r.Register(context.Background(), testPublicKey()); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"non-json body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>gateway error</html>")
		}},
		{"error envelope", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(model.RegisterResponse{
				Status: "error", Code: 403, Message: "key already registered",
			})
		}},
		{"incomplete data", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(model.RegisterResponse{
				Status: "success",
				Code:   200,
				Data:   model.RegisterData{AssignedAddress: "10.66.0.7"},
			})
		}},
		{"bad peer key", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(model.RegisterResponse{
				Status: "success",
				Code:   200,
				Data: model.RegisterData{
					AssignedAddress: "10.66.0.7",
					PeerPublicKey:   "short",
					Endpoint:        "relay.example.net:51820",
				},
			})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			r := NewRegistrar(server.URL, testLogger())
			_, err := r.Register(context.Background(), testPublicKey())
			if err == nil {
				t.Fatal("Register succeeded, want error")
			}
			if !model.IsKind(err, model.ErrProvisioningFailed) {
				t.Errorf("error kind = %s, want %s", model.KindOf(err), model.ErrProvisioningFailed)
			}
		})
	}
}

func TestRegisterUnreachableBroker(t *testing.T) {
	r := NewRegistrar("http://127.0.0.1:1", testLogger())
	_, err := r.Register(context.Background(), testPublicKey())
	if err == nil {
		t.Fatal("Register succeeded against a closed port")
	}
	if !model.IsKind(err, model.ErrProvisioningFailed) {
		t.Errorf("error kind = %s, want %s", model.KindOf(err), model.ErrProvisioningFailed)
	}
}

func TestRegisterEmptyPublicKey(t *testing.T) {
	r := NewRegistrar("http://example.invalid", testLogger())
	if _, err := r.Register(context.Background(), ""); err == nil {
		t.Fatal("Register accepted empty public key")
	}
}
