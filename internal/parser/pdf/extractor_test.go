package pdf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTextFromStreamKeepsLines(t *testing.T) {
	t.Parallel()

	stream := []byte("BT\n/F1 12 Tf\n72 720 Td\n(Section 4.2 Parking) Tj\n0 -14 Td\n[(Two spaces per ) -120 (dwelling unit.)] TJ\nT*\n(Accessory \\(rear\\) lots) Tj\nET")
	got := textFromStream(stream)
	require.Equal(t, "Section 4.2 Parking\nTwo spaces per dwelling unit.\nAccessory (rear) lots", got)
}

func TestDecodeLiteralOctalEscapes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b\tc", decodeLiteral([]byte(`a\040b\tc`)))
	require.Equal(t, `x\y`, decodeLiteral([]byte(`x\\y`)))
}

func TestTidyDropsBlankLinesAndControlRunes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "one two\nthree", tidy("  one   two \n\n\x01three\n"))
}

func TestExtractTextRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := New(0).ExtractText([]byte("not a pdf"))
	require.Error(t, err)
}
