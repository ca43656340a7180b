package guardianrpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/omni/tokenbridge-relayer/config"
	"github.com/omni/tokenbridge-relayer/entity"
	"github.com/omni/tokenbridge-relayer/vaa"
)

// ErrNotFound is returned when the guardian api does not know the requested
// attestation or guardian set yet.
var ErrNotFound = errors.New("not found")

type Client interface {
	GetSignedAttestation(ctx context.Context, emitterChain uint16, emitter [32]byte, sequence uint64) (*vaa.VAA, error)
	GetGuardianSet(ctx context.Context, index uint32) (*entity.GuardianSet, error)
	GetCurrentGuardianSet(ctx context.Context) (*entity.GuardianSet, error)
}

type restClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewClient(cfg *config.RPCConfig) Client {
	return &restClient{
		url:     strings.TrimSuffix(cfg.Host, "/"),
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type signedAttestationResponse struct {
	VAABytes []byte `json:"vaaBytes"`
}

type guardianSetResponse struct {
	GuardianSet struct {
		Index     uint32   `json:"index"`
		Addresses []string `json:"addresses"`
	} `json:"guardianSet"`
}

func (c *restClient) GetSignedAttestation(ctx context.Context, emitterChain uint16, emitter [32]byte, sequence uint64) (*vaa.VAA, error) {
	id := fmt.Sprintf("%d/%s/%d", emitterChain, hex.EncodeToString(emitter[:]), sequence)

	var res signedAttestationResponse
	if err := c.get(ctx, "signed_vaa", "v1/signed_vaa/"+id, &res); err != nil {
		return nil, fmt.Errorf("can't get signed attestation %s: %w", id, err)
	}
	attestation, err := vaa.Unmarshal(res.VAABytes)
	if err != nil {
		return nil, fmt.Errorf("can't unmarshal signed attestation %s: %w", id, err)
	}
	return attestation, nil
}

func (c *restClient) GetGuardianSet(ctx context.Context, index uint32) (*entity.GuardianSet, error) {
	return c.getGuardianSet(ctx, fmt.Sprintf("v1/guardianset/%d", index))
}

func (c *restClient) GetCurrentGuardianSet(ctx context.Context) (*entity.GuardianSet, error) {
	return c.getGuardianSet(ctx, "v1/guardianset/current")
}

func (c *restClient) getGuardianSet(ctx context.Context, path string) (*entity.GuardianSet, error) {
	var res guardianSetResponse
	if err := c.get(ctx, "guardianset", path, &res); err != nil {
		return nil, fmt.Errorf("can't get guardian set: %w", err)
	}
	if len(res.GuardianSet.Addresses) == 0 {
		return nil, fmt.Errorf("api returned guardian set %d without keys", res.GuardianSet.Index)
	}
	return &entity.GuardianSet{
		SetIndex: res.GuardianSet.Index,
		Keys:     res.GuardianSet.Addresses,
	}, nil
}

func (c *restClient) get(ctx context.Context, query, path string, out interface{}) error {
	defer ObserveDuration(c.url, query)()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	defer func() {
		ObserveError(c.url, query, err)
	}()

	var req *http.Request
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/"+path, nil)
	if err != nil {
		return fmt.Errorf("can't create api request: %w", err)
	}
	var resp *http.Response
	resp, err = c.client.Do(req)
	if err != nil {
		return fmt.Errorf("can't send api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		err = ErrNotFound
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("api responded with status %d", resp.StatusCode)
		return err
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("can't decode api response: %w", err)
	}
	return nil
}
