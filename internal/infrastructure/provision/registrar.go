package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/imgveil/imgveil-go-client/internal/domain/model"
	"github.com/imgveil/imgveil-go-client/internal/domain/port"
)

// registerPath is appended to the broker base URL.
const registerPath = "/v1/register"

// Registrar registers installation public keys with the relay broker over
// HTTPS. It makes exactly one attempt per call; retry policy belongs to the
// caller.
type Registrar struct {
	brokerURL string
	client    *http.Client
	logger    port.Logger
}

// NewRegistrar creates a Registrar for the given broker base URL.
func NewRegistrar(brokerURL string, logger port.Logger) *Registrar {
	return &Registrar{
		brokerURL: strings.TrimRight(brokerURL, "/"),
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

// Register submits the public key and returns the assigned tunnel
// parameters.
func (r *Registrar) Register(ctx context.Context, publicKey string) (*model.RegisterData, error) {
	if publicKey == "" {
		return nil, model.NewProxyError(model.ErrProvisioningFailed, "public key is empty")
	}

	hostname, _ := os.Hostname()
	reqBody, err := json.Marshal(model.RegisterRequest{
		PublicKey: publicKey,
		Hostname:  hostname,
	})
	if err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "failed to encode registration request")
	}

	url := r.brokerURL + registerPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "failed to create registration request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ImgveilClient/1.0")

	r.logger.Info("Registering with broker: %s", url)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "registration request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "failed to read registration response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewProxyError(model.ErrProvisioningFailed, "broker returned status %d", resp.StatusCode)
	}

	if !json.Valid(respBody) {
		preview := string(respBody)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		return nil, model.NewProxyError(model.ErrProvisioningFailed, "broker response is not valid JSON: %s", preview)
	}

	var envelope model.RegisterResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "failed to parse registration response")
	}

	if envelope.Status != "success" || envelope.Code != 200 {
		return nil, model.NewProxyError(model.ErrProvisioningFailed, "broker rejected registration: %s", envelope.Message)
	}

	data := envelope.Data
	if err := validateRegisterData(&data); err != nil {
		return nil, model.WrapProxyError(model.ErrProvisioningFailed, err, "broker returned incomplete tunnel parameters")
	}

	r.logger.Info("Registered, assigned address %s via %s", data.AssignedAddress, data.Endpoint)

	return &data, nil
}

func validateRegisterData(data *model.RegisterData) error {
	if data.AssignedAddress == "" {
		return fmt.Errorf("assigned_address is empty")
	}
	if data.Endpoint == "" {
		return fmt.Errorf("endpoint is empty")
	}
	if _, err := model.DecodeKey(data.PeerPublicKey); err != nil {
		return fmt.Errorf("peer_public_key: %v", err)
	}
	return nil
}

// Ensure Registrar implements port.Registrar
var _ port.Registrar = (*Registrar)(nil)
