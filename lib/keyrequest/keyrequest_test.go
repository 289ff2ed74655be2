package keyrequest

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/krich11/kme-sub001/api"
	"github.com/krich11/kme-sub001/lib/authz"
	"github.com/krich11/kme-sub001/lib/backend/memory"
	"github.com/krich11/kme-sub001/lib/extension"
	"github.com/krich11/kme-sub001/lib/keysource"
	"github.com/krich11/kme-sub001/lib/keystore"
	"github.com/krich11/kme-sub001/lib/pool"
	"github.com/krich11/kme-sub001/lib/sae"
)

func newTestService(t *testing.T) (*Service, *pool.Pool, *sae.MemRegistry) {
	t.Helper()
	bk, err := memory.New(memory.Config{})
	require.NoError(t, err)
	store := keystore.New(bk)
	p, err := pool.New(context.Background(), pool.Config{
		Store:  store,
		Source: keysource.NewDefaultSource(keysource.NewCryptoRandom(nil)),
		RNG:    keysource.NewCryptoRandom(nil),
		Limits: pool.Limits{MinKeySizeBits: 64, MaxKeySizeBits: 1024, MaxKeyPerRequest: 10, MaxKeyCount: 1000},
		Clock:  clockwork.NewFakeClock(),

		SourceKMEID: "KME001",
		TargetKMEID: "KME002",
	})
	require.NoError(t, err)

	reg := sae.NewMemRegistry()
	reg.Register(sae.Registration{SAEID: "MASTER01", Status: sae.StatusActive})
	reg.Register(sae.Registration{SAEID: "SLAVE0001", Status: sae.StatusActive})
	reg.Register(sae.Registration{SAEID: "SLAVE0002", Status: sae.StatusActive})
	reg.Pair("MASTER01", "SLAVE0001")
	reg.Pair("MASTER01", "SLAVE0002")

	ext := extension.New()
	ext.Register("", extension.SingleUseType, extension.SingleUseHandler)

	svc := New(Config{
		Pool:           p,
		Authz:          authz.New(authz.Config{Registry: reg}),
		Extensions:     ext,
		DefaultKeySize: 256,
	})
	return svc, p, reg
}

func TestGetDeliversRequestedNumberOfKeys(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	resp, err := svc.Get(context.Background(), "MASTER01", "SLAVE0001", api.KeyRequest{Number: 2, Size: 256})
	require.NoError(t, err)
	require.Len(t, resp.Keys, 2)
	for _, k := range resp.Keys {
		raw, err := base64.StdEncoding.DecodeString(k.Key)
		require.NoError(t, err)
		require.Len(t, raw, 32)
	}
}

func TestGetDefaultsNumberAndSize(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	resp, err := svc.Get(context.Background(), "MASTER01", "SLAVE0001", api.KeyRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Keys, 1)
	raw, err := base64.StdEncoding.DecodeString(resp.Keys[0].Key)
	require.NoError(t, err)
	require.Len(t, raw, 32) // defaultKeySize 256 bits
}

func TestGetRejectsUnpairedSlave(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "MASTER01", "SOME-OTHER-SAE", api.KeyRequest{})
	require.Error(t, err)
}

func TestGetRejectsUnknownMandatoryExtension(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "MASTER01", "SLAVE0001", api.KeyRequest{
		ExtensionMandatory: []api.ExtensionParam{{Type: "no-such-extension"}},
	})
	require.Error(t, err)
}

func TestGetHonorsAdditionalSlaves(t *testing.T) {
	t.Parallel()
	svc, p, _ := newTestService(t)

	resp, err := svc.Get(context.Background(), "MASTER01", "SLAVE0001", api.KeyRequest{
		AdditionalSlaveSAEIDs: []string{"SLAVE0002"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Keys, 1)

	found, _, err := p.RetrieveForSlave(context.Background(), []string{resp.Keys[0].KeyID})
	require.NoError(t, err)
	require.True(t, found[0].HasSlave("SLAVE0001"))
	require.True(t, found[0].HasSlave("SLAVE0002"))
}

func TestGetSingleUseExtensionTagsDeliveredKey(t *testing.T) {
	t.Parallel()
	svc, p, _ := newTestService(t)

	resp, err := svc.Get(context.Background(), "MASTER01", "SLAVE0001", api.KeyRequest{
		ExtensionOptional: []api.ExtensionParam{{Type: extension.SingleUseType}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Keys, 1)

	found, _, err := p.RetrieveForSlave(context.Background(), []string{resp.Keys[0].KeyID})
	require.NoError(t, err)
	require.True(t, found[0].SingleUse)
}
