// Package account defines the per-account provisioning profile and its
// on-disk representation: one dotenv file per account inside the accounts
// directory. Profiles are read-only once handed to a worker.
package account

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Tuning controls the retry backoff window for one account.
//
// All three values are required to be positive and Min <= Max. Initial is
// clamped into [Min, Max] by the backoff controller at worker start.
type Tuning struct {
	InitialInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
}

// Profile identifies one account: credentials, the target resource spec and
// retry tuning. The ID is derived from the dotenv file name and is immutable.
type Profile struct {
	ID   string
	Name string

	// Credentials / API target.
	Region         string
	TenancyID      string
	UserID         string
	Fingerprint    string
	PrivateKeyPath string

	// Resource spec.
	Shape        string
	OCPUs        int
	MemoryGBs    int
	ImageID      string
	SubnetID     string
	SSHPublicKey string
	DisplayName  string

	// AvailabilityDomains lists the domains to rotate through. Empty means
	// the worker lists the tenancy's domains at start and rotates those.
	AvailabilityDomains []string

	// ChatID is the notification target for this account (0 disables).
	ChatID int64

	Tuning Tuning
}

// Domains returns the pinned rotation list. Empty means the worker
// discovers the tenancy's domains at start.
func (p *Profile) Domains() []string {
	return p.AvailabilityDomains
}

func (p *Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("account id is empty")
	}
	if strings.TrimSpace(p.Shape) == "" {
		return fmt.Errorf("account %s: shape is required", p.ID)
	}
	return p.Tuning.Validate()
}

func (t Tuning) Validate() error {
	if t.InitialInterval <= 0 || t.MinInterval <= 0 || t.MaxInterval <= 0 {
		return errors.New("retry intervals must be positive")
	}
	if t.MinInterval > t.MaxInterval {
		return fmt.Errorf("min retry interval %v exceeds max %v", t.MinInterval, t.MaxInterval)
	}
	return nil
}

// DefaultTuning mirrors the historical defaults: start at 30s, never wait
// less than 10s or more than 2m.
func DefaultTuning() Tuning {
	return Tuning{
		InitialInterval: 30 * time.Second,
		MinInterval:     10 * time.Second,
		MaxInterval:     120 * time.Second,
	}
}

// Load reads a single account profile from a dotenv file. The account id is
// the file's base name without the .env extension.
func Load(path string) (*Profile, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read account file %s: %w", path, err)
	}
	id := strings.TrimSuffix(filepath.Base(path), ".env")
	return fromEnv(id, vals)
}

// LoadDir reads every *.env file in dir, sorted by account id. Files that
// fail to parse or validate are skipped and reported in errs; one broken
// account must not hide the others.
func LoadDir(dir string) (profiles []*Profile, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read accounts dir %s: %w", dir, err)}
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".env") {
			continue
		}
		p, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, errs
}

func fromEnv(id string, vals map[string]string) (*Profile, error) {
	get := func(k string) string { return strings.TrimSpace(vals[k]) }

	p := &Profile{
		ID:             id,
		Name:           get("ACCOUNT_NAME"),
		Region:         get("OCI_REGION"),
		TenancyID:      get("OCI_TENANCY_ID"),
		UserID:         get("OCI_USER_ID"),
		Fingerprint:    get("OCI_KEY_FINGERPRINT"),
		PrivateKeyPath: get("OCI_PRIVATE_KEY_FILENAME"),
		Shape:          get("OCI_SHAPE"),
		ImageID:        get("OCI_IMAGE_ID"),
		SubnetID:       get("OCI_SUBNET_ID"),
		SSHPublicKey:   get("OCI_SSH_PUBLIC_KEY"),
		DisplayName:    get("OCI_DISPLAY_NAME"),
		Tuning:         DefaultTuning(),
	}
	if p.Name == "" {
		p.Name = id
	}
	if p.Shape == "" {
		p.Shape = "VM.Standard.A1.Flex"
	}

	var err error
	if p.OCPUs, err = intField(vals, "OCI_OCPUS", 4); err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	if p.MemoryGBs, err = intField(vals, "OCI_MEMORY_IN_GBS", 24); err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}

	if ad := get("OCI_AVAILABILITY_DOMAIN"); ad != "" {
		for _, part := range strings.Split(ad, ",") {
			if part = strings.TrimSpace(part); part != "" {
				p.AvailabilityDomains = append(p.AvailabilityDomains, part)
			}
		}
	}

	if raw := get("TELEGRAM_USER_ID"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("account %s: invalid TELEGRAM_USER_ID %q", id, raw)
		}
		p.ChatID = v
	}

	if p.Tuning.InitialInterval, err = durationField(vals, "OCI_RETRY_INTERVAL", p.Tuning.InitialInterval); err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	if p.Tuning.MinInterval, err = durationField(vals, "OCI_MIN_RETRY_INTERVAL", p.Tuning.MinInterval); err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	if p.Tuning.MaxInterval, err = durationField(vals, "OCI_MAX_RETRY_INTERVAL", p.Tuning.MaxInterval); err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func intField(vals map[string]string, key string, def int) (int, error) {
	raw := strings.TrimSpace(vals[key])
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

// durationField accepts both bare seconds ("30", the legacy format) and Go
// duration strings ("45s", "2m").
func durationField(vals map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(vals[key])
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%s must be positive, got %q", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, raw)
	}
	return d, nil
}
