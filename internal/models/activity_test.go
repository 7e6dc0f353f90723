package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleActivity() Activity {
	actor := uint(7)
	drive := uint(3)
	return Activity{
		Timestamp:    time.Date(2026, 5, 14, 10, 30, 0, 0, time.UTC),
		ActorID:      &actor,
		ActorEmail:   "mira@example.com",
		Operation:    OperationUpdate,
		ResourceType: ResourcePage,
		ResourceID:   42,
		DriveID:      &drive,
		PreviousValues: FieldValues{
			{Key: "title", Value: json.RawMessage(`"Old Title"`)},
		},
		NewValues: FieldValues{
			{Key: "title", Value: json.RawMessage(`"New Title"`)},
		},
	}
}

func TestCanonicalPayloadIsDeterministic(t *testing.T) {
	entry := sampleActivity()

	first, err := entry.CanonicalPayload()
	require.NoError(t, err)
	second, err := entry.CanonicalPayload()
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestCanonicalPayloadExcludesHashFields(t *testing.T) {
	entry := sampleActivity()
	before, err := entry.CanonicalPayload()
	require.NoError(t, err)

	entry.LogHash = "deadbeef"
	entry.PreviousLogHash = "cafebabe"
	entry.ChainSeed = "feedface"
	after, err := entry.CanonicalPayload()
	require.NoError(t, err)

	require.Equal(t, before, after)
}

func TestCanonicalPayloadChangesWithContent(t *testing.T) {
	entry := sampleActivity()
	base, err := entry.CanonicalPayload()
	require.NoError(t, err)

	entry.NewValues.Set("title", json.RawMessage(`"Tampered"`))
	tampered, err := entry.CanonicalPayload()
	require.NoError(t, err)

	require.NotEqual(t, base, tampered)
}

func TestCanonicalPayloadCoversActorName(t *testing.T) {
	entry := sampleActivity()
	entry.ActorName = "Mira"
	base, err := entry.CanonicalPayload()
	require.NoError(t, err)

	entry.ActorName = "Mallory"
	tampered, err := entry.CanonicalPayload()
	require.NoError(t, err)

	require.NotEqual(t, base, tampered)
}

func TestCanonicalPayloadResistsSeparatorInjection(t *testing.T) {
	// Shifting bytes across a field boundary must never produce the
	// same canonical form, even when a free-text field contains the
	// separator itself.
	a := sampleActivity()
	a.AIProvider = "open|ai"
	a.AIModel = "large"

	b := sampleActivity()
	b.AIProvider = "open"
	b.AIModel = "ai|large"

	payloadA, err := a.CanonicalPayload()
	require.NoError(t, err)
	payloadB, err := b.CanonicalPayload()
	require.NoError(t, err)

	require.NotEqual(t, payloadA, payloadB)
}

func TestComputeLogHashChains(t *testing.T) {
	canonical := []byte("payload")
	first := ComputeLogHash(canonical, "seed")
	second := ComputeLogHash(canonical, first)

	require.Len(t, first, 64)
	require.NotEqual(t, first, second)
	require.Equal(t, first, ComputeLogHash(canonical, "seed"))
}

func TestNewChainSeed(t *testing.T) {
	a, err := NewChainSeed()
	require.NoError(t, err)
	b, err := NewChainSeed()
	require.NoError(t, err)

	require.Len(t, a, 64)
	require.NotEqual(t, a, b)
}

func TestReversalFor(t *testing.T) {
	require.Equal(t, ReversalFieldRestore, ReversalFor(ResourcePage, OperationUpdate))
	require.Equal(t, ReversalTrash, ReversalFor(ResourcePage, OperationCreate))
	require.Equal(t, ReversalRestore, ReversalFor(ResourcePage, OperationDelete))
	require.Equal(t, ReversalNone, ReversalFor(ResourcePage, OperationLogin))
	require.Equal(t, ReversalNone, ReversalFor(ResourceToken, OperationCreate))
	require.Equal(t, ReversalNone, ReversalFor(ResourcePage, OperationRollback))
}

func TestOperationEnums(t *testing.T) {
	require.True(t, OperationUpdate.IsValid())
	require.True(t, OperationRollback.IsValid())
	require.False(t, Operation("explode").IsValid())

	require.True(t, ResourceDrive.IsValid())
	require.False(t, ResourceType("spaceship").IsValid())
}
