package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairKeyIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"Madam", "Meliora"},
		{"a.1", "a-1"},
		{"zed", "Zed"},
	}
	for _, p := range pairs {
		ab, err := PairKey(p[0], p[1])
		require.NoError(t, err)
		ba, err := PairKey(p[1], p[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	}

	key, err := PairKey("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice_bob", key)
}

func TestPairKeyRejectsBadIDs(t *testing.T) {
	cases := [][2]string{
		{"alice", "alice"},
		{"", "bob"},
		{"al_ice", "bob"},
		{"../etc", "bob"},
		{"alice", "b/ob"},
	}
	for _, c := range cases {
		_, err := PairKey(c[0], c[1])
		assert.ErrorIs(t, err, ErrInvalidArgument, "pair %v", c)
	}
}

func TestNormalizeLegacyVoice(t *testing.T) {
	m := Message{Sender: "alice", Text: "[Voice Message](voice_notes/alice_1700000000.wav)"}
	m.Normalize()
	assert.Equal(t, KindVoice, m.Kind)
	assert.Equal(t, "voice_notes/alice_1700000000.wav", m.Attachment)
	assert.Empty(t, m.Text)

	text := Message{Sender: "bob", Text: "see [Voice Message](x) later"}
	text.Normalize()
	assert.Equal(t, KindText, text.Kind)
	assert.Equal(t, "see [Voice Message](x) later", text.Text)

	tagged := Message{Kind: KindVoice, Attachment: "voice/a.wav"}
	tagged.Normalize()
	assert.Equal(t, "voice/a.wav", tagged.Attachment)
}
