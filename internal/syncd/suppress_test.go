package syncd

import (
	"context"
	"testing"

	"github.com/fibsync/fpmsyncd/internal/store"
)

func suppressRecord(value string) store.KeyOpFieldValues {
	return store.KeyOpFieldValues{
		Key: deviceMetadataKey,
		Op:  store.OpSet,
		FieldValues: []store.FieldValue{
			{Field: suppressField, Value: value},
		},
	}
}

func TestSuppressorInitReadsStartupConfig(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	rig.deviceMeta.set(deviceMetadataKey, suppressField, suppressEnabled)

	if err := rig.sup.sp.init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !rig.translator.IsSuppressionEnabled() {
		t.Error("suppression must be enabled from startup config")
	}
	if rig.sup.sp.C() == nil {
		t.Error("response feed must be attached")
	}
	if rig.log.index("resp-feed-attach") == -1 {
		t.Error("expected response feed attach")
	}
}

func TestSuppressorInitDefaultsOff(t *testing.T) {
	rig := newTestRig(&fakeHelper{})

	if err := rig.sup.sp.init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if rig.translator.IsSuppressionEnabled() {
		t.Error("suppression must stay off without config")
	}
	if rig.sup.sp.C() != nil {
		t.Error("response feed must stay detached")
	}
}

func TestSuppressorEnableThenDisable(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	sp := rig.sup.sp
	ctx := context.Background()

	if err := sp.handleConfigRecord(ctx, suppressRecord(suppressEnabled)); err != nil {
		t.Fatal(err)
	}
	if !rig.translator.IsSuppressionEnabled() {
		t.Fatal("suppression must be enabled")
	}
	// The feed must be live before the flag flips on, so a response arriving
	// immediately after has somewhere to land.
	if attach, on := rig.log.index("resp-feed-attach"), rig.log.index("suppress-on"); attach == -1 || on == -1 || attach > on {
		t.Errorf("attach must precede enable, log: %v", rig.log.snapshot())
	}

	if err := sp.handleConfigRecord(ctx, suppressRecord("disabled")); err != nil {
		t.Fatal(err)
	}
	if rig.translator.IsSuppressionEnabled() {
		t.Fatal("suppression must be disabled")
	}
	if sp.C() != nil {
		t.Error("response feed must be detached after disable")
	}
	// Pending routes are finalized before the feed closes.
	mark := rig.log.index("mark-offloaded")
	closeAt := rig.log.index("resp-feed-close")
	off := rig.log.index("suppress-off")
	if mark == -1 || closeAt == -1 || off == -1 || mark > off || off > closeAt {
		t.Errorf("expected mark-offloaded, suppress-off, resp-feed-close in order, log: %v", rig.log.snapshot())
	}
}

func TestSuppressorEnableIsIdempotent(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	sp := rig.sup.sp
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := sp.handleConfigRecord(ctx, suppressRecord(suppressEnabled)); err != nil {
			t.Fatal(err)
		}
	}

	attaches := 0
	for _, e := range rig.log.snapshot() {
		if e == "resp-feed-attach" {
			attaches++
		}
	}
	if attaches != 1 {
		t.Errorf("expected one attach, got %d", attaches)
	}
}

func TestSuppressorDisableWhenOffIsNoop(t *testing.T) {
	rig := newTestRig(&fakeHelper{})

	if err := rig.sup.sp.handleConfigRecord(context.Background(), suppressRecord("disabled")); err != nil {
		t.Fatal(err)
	}

	if len(rig.log.snapshot()) != 0 {
		t.Errorf("expected no collaborator calls, log: %v", rig.log.snapshot())
	}
}

func TestSuppressorIgnoresUnrelatedRecords(t *testing.T) {
	rig := newTestRig(&fakeHelper{})
	sp := rig.sup.sp
	ctx := context.Background()

	records := []store.KeyOpFieldValues{
		{Key: "eth0", Op: store.OpSet, FieldValues: []store.FieldValue{{Field: suppressField, Value: suppressEnabled}}},
		{Key: deviceMetadataKey, Op: store.OpDel},
		{Key: deviceMetadataKey, Op: store.OpSet, FieldValues: []store.FieldValue{{Field: "hostname", Value: "switch1"}}},
	}
	for _, rec := range records {
		if err := sp.handleConfigRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	if rig.translator.IsSuppressionEnabled() {
		t.Error("unrelated records must not enable suppression")
	}
}
