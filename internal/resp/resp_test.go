package resp

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCommandParsesArrayOfBulkStrings(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"))
	args, err := ReadCommand(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "foo"}, args)
}

func TestReadCommandBinarySafeValue(t *testing.T) {
	payload := "ab\r\ncd"
	raw := "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$6\r\n" + payload + "\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	args, err := ReadCommand(r)
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, payload, args[2])
}

func TestReadCommandEmptyLineReturnsNil(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\r\n"))
	args, err := ReadCommand(r)
	require.NoError(t, err)
	assert.Nil(t, args)
}

func TestReadCommandRejectsBadHeader(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET foo\r\n"))
	_, err := ReadCommand(r)
	assert.Error(t, err)
}

func TestWriteSimpleStringAndError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSimpleString(&buf, "OK"))
	assert.Equal(t, "+OK\r\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteError(&buf, "ERR bad command"))
	assert.Equal(t, "-ERR bad command\r\n", buf.String())
}

func TestWriteIntegerAndBulkString(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInteger(&buf, 42))
	assert.Equal(t, ":42\r\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteBulkString(&buf, []byte("hello")))
	assert.Equal(t, "$5\r\nhello\r\n", buf.String())
}

func TestWriteNullBulk(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNullBulk(&buf))
	assert.Equal(t, "$-1\r\n", buf.String())
}

func TestWriteArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteArray(&buf, [][]byte{[]byte("a"), []byte("bb")}))
	assert.Equal(t, "*2\r\n$1\r\na\r\n$2\r\nbb\r\n", buf.String())
}

func TestReadWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteArray(&buf, [][]byte{[]byte("SET"), []byte("k"), []byte("v")}))

	r := bufio.NewReader(&buf)
	args, err := ReadCommand(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"SET", "k", "v"}, args)
}
