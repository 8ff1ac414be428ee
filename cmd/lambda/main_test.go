package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-auto-backup/pkg/backup"
)

type noInstancesPlatform struct {
	backup.Platform
	err     error
	tagKeys []string
}

func (p *noInstancesPlatform) ListInstances(ctx context.Context, tagKey string) ([]*backup.Instance, error) {
	p.tagKeys = append(p.tagKeys, tagKey)
	return nil, p.err
}

type failingPlatform struct {
	backup.Platform
	instances []*backup.Instance
	err       error
}

func (p *failingPlatform) ListInstances(ctx context.Context, tagKey string) ([]*backup.Instance, error) {
	return p.instances, nil
}

func (p *failingPlatform) CreateImage(ctx context.Context, instanceID, name string, tags map[string]string) (*backup.Image, error) {
	return nil, p.err
}

func Test_ParseConfig(t *testing.T) {
	t.Setenv("BACKUP_TAG_KEY", "Snapshot")
	t.Setenv("RETENTION_TAG_KEY", "Generations")
	t.Setenv("LEGACY_NAME_MATCH", "true")

	got, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("parseConfig: %+v", err)
	}
	want := &config{
		backupTag:       "Snapshot",
		retentionTag:    "Generations",
		sourceTag:       "SourceInstanceId",
		legacyNameMatch: true,
		waitAttempts:    20,
		logLevel:        "info",
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(config{})); diff != "" {
		t.Errorf("parseConfig unexpected output: %s", diff)
	}
}

func Test_ParseConfigRejectsWaitAttempts(t *testing.T) {
	for _, v := range []string{"0", "-3"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("WAIT_ATTEMPTS", v)
			if _, err := parseConfig(nil); err == nil {
				t.Errorf("expected error for WAIT_ATTEMPTS=%s", v)
			}
		})
	}
}

func Test_Handle(t *testing.T) {
	p := &noInstancesPlatform{}
	h := &handler{
		platform: p,
		opts:     []backup.Opt{backup.WithBackupTagKey("Snapshot"), backup.WithLogger(log.New())},
		logger:   log.New(),
	}

	resp, err := h.Handle(context.Background(), json.RawMessage(`{"source": "aws.events"}`))
	if err != nil {
		t.Fatalf("handle: %+v", err)
	}
	if !resp.Message {
		t.Errorf("expected success message")
	}
	if !cmp.Equal([]string{"Snapshot"}, p.tagKeys) {
		t.Errorf("unexpected tag keys: %v", p.tagKeys)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %+v", err)
	}
	if string(out) != `{"message":true}` {
		t.Errorf("unexpected response: %s", out)
	}

	p.err = errors.New("access denied")
	if _, err := h.Handle(context.Background(), nil); !errors.Is(err, p.err) {
		t.Errorf("expected list error to be returned, got %v", err)
	}
}

func Test_HandleFailedInstance(t *testing.T) {
	p := &failingPlatform{
		instances: []*backup.Instance{
			{ID: "i-1", Tags: map[string]string{"AutoBackup": "true", "Backup": "3"}},
		},
		err: errors.New("access denied"),
	}
	h := &handler{
		platform: p,
		opts: []backup.Opt{
			backup.WithLogger(log.New()),
			backup.WithClock(testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))),
		},
		logger: log.New(),
	}

	resp, err := h.Handle(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handle: %+v", err)
	}
	if resp.Message {
		t.Errorf("expected failure message")
	}

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %+v", err)
	}
	want := `{"message":false,"instances":[{"instanceId":"i-1","outcome":"failed","error":"create image AutoBackup-i-1-20240301120000: access denied"}]}`
	if string(out) != want {
		t.Errorf("unexpected response:\n got: %s\nwant: %s", out, want)
	}
}
