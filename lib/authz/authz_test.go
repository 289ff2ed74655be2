package authz

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/krich11/kme-sub001/lib/sae"
)

func newTestRegistry() *sae.MemRegistry {
	reg := sae.NewMemRegistry()
	reg.Register(sae.Registration{SAEID: "MASTER01", Status: sae.StatusActive})
	reg.Register(sae.Registration{SAEID: "SLAVE0001", Status: sae.StatusActive})
	reg.Register(sae.Registration{SAEID: "SLAVE0002", Status: sae.StatusActive})
	reg.Register(sae.Registration{SAEID: "SUSPENDED1", Status: sae.StatusSuspended})
	reg.Pair("MASTER01", "SLAVE0001")
	reg.Pair("MASTER01", "SLAVE0002")
	return reg
}

func TestAdmitStatusSelf(t *testing.T) {
	t.Parallel()
	p := New(Config{Registry: newTestRegistry()})
	err := p.Admit(context.Background(), Request{RequestingSAEID: "SLAVE0001", Kind: Status, URLSAEID: "SLAVE0001"})
	require.NoError(t, err)
}

func TestAdmitStatusRequiresRelationship(t *testing.T) {
	t.Parallel()
	p := New(Config{Registry: newTestRegistry()})
	err := p.Admit(context.Background(), Request{RequestingSAEID: "MASTER01", Kind: Status, URLSAEID: "SLAVE0001"})
	require.NoError(t, err)

	err = p.Admit(context.Background(), Request{RequestingSAEID: "SLAVE0002", Kind: Status, URLSAEID: "SLAVE0001"})
	require.Error(t, err)
}

func TestAdmitStatusAnyActiveOverride(t *testing.T) {
	t.Parallel()
	p := New(Config{Registry: newTestRegistry(), AllowAnyActiveSAEStatus: true})
	err := p.Admit(context.Background(), Request{RequestingSAEID: "SLAVE0002", Kind: Status, URLSAEID: "SLAVE0001"})
	require.NoError(t, err)
}

func TestAdmitKeyRequest(t *testing.T) {
	t.Parallel()
	p := New(Config{Registry: newTestRegistry()})

	err := p.Admit(context.Background(), Request{RequestingSAEID: "MASTER01", Kind: KeyRequest, URLSAEID: "SLAVE0001"})
	require.NoError(t, err)

	err = p.Admit(context.Background(), Request{RequestingSAEID: "MASTER01", Kind: KeyRequest, URLSAEID: "MASTER01"})
	require.Error(t, err, "an sae cannot request keys for itself")

	err = p.Admit(context.Background(), Request{
		RequestingSAEID: "MASTER01", Kind: KeyRequest, URLSAEID: "SLAVE0001",
		AdditionalSlaveSAEIDs: []string{"SLAVE0002"},
	})
	require.NoError(t, err)

	err = p.Admit(context.Background(), Request{
		RequestingSAEID: "MASTER01", Kind: KeyRequest, URLSAEID: "SLAVE0001",
		AdditionalSlaveSAEIDs: []string{"SUSPENDED1"},
	})
	require.Error(t, err)
}

func TestAdmitKeyRetrieval(t *testing.T) {
	t.Parallel()
	p := New(Config{Registry: newTestRegistry()})

	err := p.Admit(context.Background(), Request{RequestingSAEID: "SLAVE0001", Kind: KeyRetrieval, URLSAEID: "MASTER01"})
	require.NoError(t, err)

	err = p.Admit(context.Background(), Request{RequestingSAEID: "SUSPENDED1", Kind: KeyRetrieval, URLSAEID: "MASTER01"})
	require.Error(t, err)
}

// An unregistered SAE must surface as a Forbidden authorization-rule
// failure, not as a NotFound: spec §7 reserves NotFound for a missing
// key_ID, never for an unknown SAE.
func TestAdmitKeyRequestRejectsUnregisteredSlaveAsForbidden(t *testing.T) {
	t.Parallel()
	p := New(Config{Registry: newTestRegistry()})

	err := p.Admit(context.Background(), Request{RequestingSAEID: "MASTER01", Kind: KeyRequest, URLSAEID: "NO-SUCH-SAE"})
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err), "want AccessDenied, got %v", err)
	require.False(t, trace.IsNotFound(err), "an unregistered SAE must not surface as NotFound")
}

// getRegistration must hand back the exact record Register stored,
// never a partially-zeroed or reordered copy.
func TestGetRegistrationRoundTripsStructurally(t *testing.T) {
	t.Parallel()
	p := New(Config{Registry: newTestRegistry()})

	want := sae.Registration{SAEID: "MASTER01", Status: sae.StatusActive}
	got, err := p.getRegistration(context.Background(), "MASTER01")
	require.NoError(t, err)
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("registration mismatch (-want +got):\n%s", diff)
	}
}
