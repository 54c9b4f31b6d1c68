package account

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ocibot/pkg/logx"
)

func writeProfile(t *testing.T, dir, id, content string) string {
	t.Helper()
	p := filepath.Join(dir, id+".env")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const fullProfile = `ACCOUNT_NAME=Frankfurt Free Tier
OCI_REGION=eu-frankfurt-1
OCI_TENANCY_ID=ocid1.tenancy.oc1..aaa
OCI_USER_ID=ocid1.user.oc1..bbb
OCI_KEY_FINGERPRINT=aa:bb:cc
OCI_PRIVATE_KEY_FILENAME=/keys/frank.pem
OCI_SHAPE=VM.Standard.A1.Flex
OCI_OCPUS=4
OCI_MEMORY_IN_GBS=24
OCI_IMAGE_ID=ocid1.image.oc1..ccc
OCI_SUBNET_ID=ocid1.subnet.oc1..ddd
OCI_AVAILABILITY_DOMAIN=xxxx:EU-FRANKFURT-1-AD-1,xxxx:EU-FRANKFURT-1-AD-2
OCI_SSH_PUBLIC_KEY=ssh-ed25519 AAAA
TELEGRAM_USER_ID=123456
OCI_RETRY_INTERVAL=30
OCI_MIN_RETRY_INTERVAL=10
OCI_MAX_RETRY_INTERVAL=90
`

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeProfile(t, dir, "frank", fullProfile)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.ID != "frank" {
		t.Fatalf("id = %q, want frank", p.ID)
	}
	if p.Name != "Frankfurt Free Tier" || p.Region != "eu-frankfurt-1" {
		t.Fatalf("profile = %+v", p)
	}
	if p.OCPUs != 4 || p.MemoryGBs != 24 {
		t.Fatalf("spec = %d ocpus / %d GB", p.OCPUs, p.MemoryGBs)
	}
	if len(p.AvailabilityDomains) != 2 || p.AvailabilityDomains[1] != "xxxx:EU-FRANKFURT-1-AD-2" {
		t.Fatalf("domains = %v", p.AvailabilityDomains)
	}
	if p.ChatID != 123456 {
		t.Fatalf("chat id = %d", p.ChatID)
	}
	want := Tuning{InitialInterval: 30 * time.Second, MinInterval: 10 * time.Second, MaxInterval: 90 * time.Second}
	if p.Tuning != want {
		t.Fatalf("tuning = %+v, want %+v", p.Tuning, want)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeProfile(t, dir, "bare", "OCI_REGION=us-phoenix-1\n")

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != "bare" {
		t.Fatalf("name = %q, want id fallback", p.Name)
	}
	if p.Shape != "VM.Standard.A1.Flex" {
		t.Fatalf("shape = %q", p.Shape)
	}
	if p.Tuning != DefaultTuning() {
		t.Fatalf("tuning = %+v", p.Tuning)
	}
	if got := p.Domains(); len(got) != 0 {
		t.Fatalf("Domains() = %v, want empty (discovered at worker start)", got)
	}
}

func TestLoadDurationFormats(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeProfile(t, dir, "durs", "OCI_RETRY_INTERVAL=45s\nOCI_MIN_RETRY_INTERVAL=15\nOCI_MAX_RETRY_INTERVAL=2m\n")

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Tuning{InitialInterval: 45 * time.Second, MinInterval: 15 * time.Second, MaxInterval: 2 * time.Minute}
	if p.Tuning != want {
		t.Fatalf("tuning = %+v, want %+v", p.Tuning, want)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad ocpus", "OCI_OCPUS=zero\n", "OCI_OCPUS"},
		{"negative interval", "OCI_RETRY_INTERVAL=-30\n", "OCI_RETRY_INTERVAL"},
		{"min above max", "OCI_MIN_RETRY_INTERVAL=100\nOCI_MAX_RETRY_INTERVAL=50\n", "min retry interval"},
		{"bad chat id", "TELEGRAM_USER_ID=abc\n", "TELEGRAM_USER_ID"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeProfile(t, dir, "bad", tc.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadDirSkipsBroken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeProfile(t, dir, "b-ok", "OCI_REGION=us-phoenix-1\n")
	writeProfile(t, dir, "a-ok", "OCI_REGION=eu-frankfurt-1\n")
	writeProfile(t, dir, "broken", "OCI_OCPUS=lots\n")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	profiles, errs := LoadDir(dir)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want 1", errs)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	if profiles[0].ID != "a-ok" || profiles[1].ID != "b-ok" {
		t.Fatalf("profiles not sorted: %s, %s", profiles[0].ID, profiles[1].ID)
	}
}

func TestWatcherPicksUpNewProfile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeProfile(t, dir, "first", "OCI_REGION=eu-frankfurt-1\n")

	var mu sync.Mutex
	var last []*Profile
	seen := make(chan int, 16)
	w := NewWatcher(dir, logx.Nop(), func(profiles []*Profile) {
		mu.Lock()
		last = profiles
		mu.Unlock()
		seen <- len(profiles)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeProfile(t, dir, "second", "OCI_REGION=us-phoenix-1\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-seen:
			if n == 2 {
				mu.Lock()
				ids := []string{last[0].ID, last[1].ID}
				mu.Unlock()
				if ids[0] != "first" || ids[1] != "second" {
					t.Fatalf("profiles = %v", ids)
				}
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("Watch: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("watcher never reported the new profile")
		}
	}
}
