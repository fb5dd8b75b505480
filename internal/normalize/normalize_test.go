package normalize_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koreamedinfo/newsdigest/internal/normalize"
)

func TestCleanStripsMarkupAndEntities(t *testing.T) {
	t.Parallel()

	got := normalize.Clean("<b>Device</b> maker &quot;Acme&amp;Co&quot; wins&nbsp;approval")
	require.Equal(t, `Device maker "Acme&Co" wins approval`, got)
}

func TestCleanDropsAngleBracketEntities(t *testing.T) {
	t.Parallel()

	// Encoded angle brackets are leftovers of stripped tags, not content.
	got := normalize.Clean("FDA clears &lt;new&gt; sensor")
	require.Equal(t, "FDA clears new sensor", got)
}

func TestCleanRemovesBracketedAsides(t *testing.T) {
	t.Parallel()

	got := normalize.Clean("[Exclusive] Acme wins approval (Reuters)")
	require.Equal(t, "Acme wins approval", got)
}

func TestCleanCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	got := normalize.Clean("  Acme \t wins \n approval  ")
	require.Equal(t, "Acme wins approval", got)
}

func TestCleanIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"<b>Device</b> maker &quot;Acme&quot; [video] update",
		"plain title with nothing special",
		"&amp;&nbsp;&lt;script&gt;",
	}
	for _, in := range inputs {
		once := normalize.Clean(in)
		require.Equal(t, once, normalize.Clean(once), "input %q", in)
	}
}

func TestTokensDropsShortRunes(t *testing.T) {
	t.Parallel()

	got := normalize.Tokens("a big <i>medical</i> device y deal")
	require.Equal(t, []string{"big", "medical", "device", "deal"}, got)
}

func TestTokenSetDeduplicates(t *testing.T) {
	t.Parallel()

	set := normalize.TokenSet("device device device approval")
	require.Len(t, set, 2)
	require.Contains(t, set, "device")
	require.Contains(t, set, "approval")
}
