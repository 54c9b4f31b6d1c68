// Package oci implements the provider boundary against the OCI Core
// Services HTTP API (LaunchInstance). Requests are signed with the
// draft-cavage HTTP signature scheme the OCI SDKs use.
package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ocibot/internal/account"
	"ocibot/internal/provider"
	"ocibot/pkg/logx"
)

type Config struct {
	// Endpoint overrides the regional iaas and identity endpoints (tests,
	// private setups). Empty means https://iaas.<region>.oraclecloud.com
	// and https://identity.<region>.oraclecloud.com.
	Endpoint string
	Timeout  time.Duration
}

type Client struct {
	cfg  Config
	http *resty.Client
	log  logx.Logger

	// Public-IP lookup polling: the VNIC attachment appears a few seconds
	// after launch.
	ipTries int
	ipDelay time.Duration
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0) // retry policy belongs to the worker, not the transport
	return &Client{cfg: cfg, http: rc, log: log, ipTries: 4, ipDelay: 3 * time.Second}
}

// launchDetails mirrors the LaunchInstanceDetails payload.
type launchDetails struct {
	AvailabilityDomain string            `json:"availabilityDomain,omitempty"`
	CompartmentID      string            `json:"compartmentId"`
	DisplayName        string            `json:"displayName,omitempty"`
	Shape              string            `json:"shape"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SourceDetails      sourceDetails     `json:"sourceDetails"`
	CreateVnicDetails  vnicDetails       `json:"createVnicDetails"`
	ShapeConfig        *shapeConfig      `json:"shapeConfig,omitempty"`
	IsPvEncryption     bool              `json:"isPvEncryptionInTransitEnabled"`
}

type sourceDetails struct {
	SourceType string `json:"sourceType"`
	ImageID    string `json:"imageId"`
}

type vnicDetails struct {
	AssignPublicIP bool   `json:"assignPublicIp"`
	SubnetID       string `json:"subnetId"`
}

type shapeConfig struct {
	OCPUs       float64 `json:"ocpus"`
	MemoryInGBs float64 `json:"memoryInGBs"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) endpoint(region string) string {
	if c.cfg.Endpoint != "" {
		return strings.TrimRight(c.cfg.Endpoint, "/")
	}
	return fmt.Sprintf("https://iaas.%s.oraclecloud.com", region)
}

func (c *Client) identityEndpoint(region string) string {
	if c.cfg.Endpoint != "" {
		return strings.TrimRight(c.cfg.Endpoint, "/")
	}
	return fmt.Sprintf("https://identity.%s.oraclecloud.com", region)
}

// Attempt issues one LaunchInstance call and classifies the response.
func (c *Client) Attempt(ctx context.Context, p *account.Profile, availabilityDomain string) provider.Outcome {
	body := launchDetails{
		AvailabilityDomain: availabilityDomain,
		CompartmentID:      p.TenancyID,
		DisplayName:        p.DisplayName,
		Shape:              p.Shape,
		Metadata:           map[string]string{"ssh_authorized_keys": p.SSHPublicKey},
		SourceDetails:      sourceDetails{SourceType: "image", ImageID: p.ImageID},
		CreateVnicDetails:  vnicDetails{AssignPublicIP: true, SubnetID: p.SubnetID},
		ShapeConfig:        &shapeConfig{OCPUs: float64(p.OCPUs), MemoryInGBs: float64(p.MemoryGBs)},
		IsPvEncryption:     true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Fatal("encode launch request: " + err.Error())
	}

	signer, err := newSigner(p)
	if err != nil {
		// Unreadable or malformed key material will never succeed on retry.
		return provider.Fatal("request signing: " + err.Error())
	}

	url := c.endpoint(p.Region) + "/20160918/instances"
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	if err := signer.sign(req, http.MethodPost, url, payload); err != nil {
		return provider.Fatal("request signing: " + err.Error())
	}

	resp, err := req.Post(url)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return provider.Transient("request canceled: " + err.Error())
		}
		return provider.Transient("request failed: " + err.Error())
	}
	out := classify(resp)
	if out.Class == provider.ClassSuccess {
		out.PublicIP = c.publicIP(ctx, signer, p, out.ResourceID)
	}
	return out
}

func classify(resp *resty.Response) provider.Outcome {
	status := resp.StatusCode()

	if status == http.StatusOK || status == http.StatusCreated {
		var inst struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.Body(), &inst); err != nil || inst.ID == "" {
			return provider.Transient("launch accepted but response unreadable")
		}
		return provider.Success(inst.ID)
	}

	var ae apiError
	_ = json.Unmarshal(resp.Body(), &ae)
	reason := fmt.Sprintf("%d %s", status, ae.Code)
	if ae.Message != "" {
		reason += ": " + ae.Message
	}

	switch {
	case status == http.StatusTooManyRequests:
		return provider.RateLimited(reason)
	case isCapacity(ae):
		// "Out of host capacity" arrives as a 500; it is the same throttle
		// signal as a 429 for our purposes.
		return provider.RateLimited(reason)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.Fatal(reason)
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusConflict:
		// Malformed request, missing image/subnet, quota conflicts: retrying
		// the identical request cannot help.
		return provider.Fatal(reason)
	default:
		return provider.Transient(reason)
	}
}

// ListDomains enumerates the tenancy's availability domains via the
// identity API. Profiles that pin no domain rotate over this list.
func (c *Client) ListDomains(ctx context.Context, p *account.Profile) ([]string, error) {
	signer, err := newSigner(p)
	if err != nil {
		return nil, fmt.Errorf("request signing: %w", err)
	}
	url := c.identityEndpoint(p.Region) + "/20160918/availabilityDomains?compartmentId=" + neturl.QueryEscape(p.TenancyID)
	body, err := c.signedGet(ctx, signer, url)
	if err != nil {
		return nil, fmt.Errorf("list availability domains: %w", err)
	}
	var ads []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &ads); err != nil {
		return nil, fmt.Errorf("list availability domains: %w", err)
	}
	names := make([]string, 0, len(ads))
	for _, ad := range ads {
		if ad.Name != "" {
			names = append(names, ad.Name)
		}
	}
	if len(names) == 0 {
		return nil, errors.New("list availability domains: tenancy reports none")
	}
	return names, nil
}

// publicIP best-effort resolves the fresh instance's public address:
// VNIC attachment, then VNIC, then publicIp. Polls briefly because the
// attachment lags the launch; failure returns "".
func (c *Client) publicIP(ctx context.Context, s *signer, p *account.Profile, instanceID string) string {
	base := c.endpoint(p.Region)
	for try := 0; try < c.ipTries; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(c.ipDelay):
			}
		}
		url := fmt.Sprintf("%s/20160918/vnicAttachments?compartmentId=%s&instanceId=%s",
			base, neturl.QueryEscape(p.TenancyID), neturl.QueryEscape(instanceID))
		body, err := c.signedGet(ctx, s, url)
		if err != nil {
			continue
		}
		var atts []struct {
			VnicID string `json:"vnicId"`
		}
		if err := json.Unmarshal(body, &atts); err != nil || len(atts) == 0 || atts[0].VnicID == "" {
			continue
		}
		body, err = c.signedGet(ctx, s, base+"/20160918/vnics/"+neturl.PathEscape(atts[0].VnicID))
		if err != nil {
			continue
		}
		var vnic struct {
			PublicIP string `json:"publicIp"`
		}
		if err := json.Unmarshal(body, &vnic); err == nil && vnic.PublicIP != "" {
			return vnic.PublicIP
		}
	}
	c.log.Warn("public ip not resolved in time", logx.String("instance", instanceID))
	return ""
}

func (c *Client) signedGet(ctx context.Context, s *signer, url string) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	if err := s.sign(req, http.MethodGet, url, nil); err != nil {
		return nil, err
	}
	resp, err := req.Get(url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		var ae apiError
		_ = json.Unmarshal(resp.Body(), &ae)
		return nil, fmt.Errorf("%d %s", resp.StatusCode(), ae.Code)
	}
	return resp.Body(), nil
}

func isCapacity(ae apiError) bool {
	if strings.EqualFold(ae.Code, "OutOfCapacity") || strings.EqualFold(ae.Code, "TooManyRequests") {
		return true
	}
	return strings.Contains(strings.ToLower(ae.Message), "out of capacity") ||
		strings.Contains(strings.ToLower(ae.Message), "out of host capacity")
}
