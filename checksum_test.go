package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeChecksumStable(t *testing.T) {
	a := ComputeChecksumString("CREATE TABLE foo (id int);\n")
	b := ComputeChecksumString("CREATE TABLE foo (id int);\n")
	assert.Equal(t, a, b)
}

func TestComputeChecksumIgnoresTrailingNewlines(t *testing.T) {
	a := ComputeChecksumString("SELECT 1;")
	b := ComputeChecksumString("SELECT 1;\n")
	c := ComputeChecksumString("SELECT 1;\n\n\r\n")
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestComputeChecksumIgnoresLeadingBOM(t *testing.T) {
	withBOM := append([]byte(nil), utf8BOM...)
	withBOM = append(withBOM, []byte("SELECT 1;")...)
	a := ComputeChecksum(withBOM)
	b := ComputeChecksumString("SELECT 1;")
	assert.Equal(t, a, b)
}

func TestComputeChecksumDiffersOnContent(t *testing.T) {
	a := ComputeChecksumString("SELECT 1;")
	b := ComputeChecksumString("SELECT 2;")
	assert.NotEqual(t, a, b)
}
