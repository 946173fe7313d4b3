package mssync

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/topicrelay/config"
)

const testProgramXML = `<Document>
  <C Type="Page" Title="ignored page">
    <C Type="VirtualInCaption" Title="container">
      <C Type="VirtualIn" Title="home_kitchen_temp"/>
      <C Type="VirtualIn" Title="garden_soil">
        <C Type="VirtualInText" Title="nested_input"/>
      </C>
    </C>
    <C Type="OtherCaption" Title="elsewhere">
      <C Type="VirtualIn" Title="not_an_input"/>
    </C>
  </C>
</Document>`

// compressBlock LZ4-block-compresses src for fixtures.
func compressBlock(t *testing.T, src []byte) []byte {
	t.Helper()
	var c lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst)
	require.NoError(t, err)
	require.NotZero(t, n, "fixture did not compress")
	return dst[:n]
}

// buildLoxCC wraps a document in a LoxCC container.
func buildLoxCC(t *testing.T, document []byte) []byte {
	t.Helper()
	compressed := compressBlock(t, document)

	buf := make([]byte, 16, 16+len(compressed))
	binary.LittleEndian.PutUint32(buf[0:4], loxccMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(document)))
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(document))
	return append(buf, compressed...)
}

// buildArchive zips a LoxCC block as sps0.LoxCC.
func buildArchive(t *testing.T, document []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(programArchiveEntry)
	require.NoError(t, err)
	_, err = w.Write(buildLoxCC(t, document))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDecodeLoxCCBlockRoundTrip(t *testing.T) {
	document := []byte(testProgramXML)
	got, err := DecodeLoxCC(buildLoxCC(t, document))
	require.NoError(t, err)
	assert.Equal(t, document, got)
}

func TestDecodeLoxCCFramePayload(t *testing.T) {
	document := bytes.Repeat([]byte("virtual input data "), 50)

	var frame bytes.Buffer
	fw := lz4.NewWriter(&frame)
	_, err := fw.Write(document)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	container := make([]byte, 16, 16+frame.Len())
	binary.LittleEndian.PutUint32(container[0:4], loxccMagic)
	binary.LittleEndian.PutUint32(container[4:8], uint32(frame.Len()))
	binary.LittleEndian.PutUint32(container[8:12], uint32(len(document)))
	binary.LittleEndian.PutUint32(container[12:16], crc32.ChecksumIEEE(document))
	container = append(container, frame.Bytes()...)

	got, err := DecodeLoxCC(container)
	require.NoError(t, err)
	assert.Equal(t, document, got)
}

func TestDecodeLoxCCRejectsBadInput(t *testing.T) {
	document := []byte(testProgramXML)
	valid := buildLoxCC(t, document)

	t.Run("too short", func(t *testing.T) {
		_, err := DecodeLoxCC(valid[:8])
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupted := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(corrupted[0:4], 0xdeadbeef)
		_, err := DecodeLoxCC(corrupted)
		assert.Error(t, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := DecodeLoxCC(valid[:len(valid)-4])
		assert.Error(t, err)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		corrupted := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(corrupted[12:16], 0x12345678)
		_, err := DecodeLoxCC(corrupted)
		assert.Error(t, err)
	})

	t.Run("size mismatch", func(t *testing.T) {
		corrupted := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint32(corrupted[8:12], uint32(len(document)+1))
		_, err := DecodeLoxCC(corrupted)
		assert.Error(t, err)
	})
}

func TestExtractInputs(t *testing.T) {
	got, err := ExtractInputs([]byte(testProgramXML))
	require.NoError(t, err)

	assert.Equal(t, []string{"home_kitchen_temp", "garden_soil", "nested_input"}, got)
}

func TestExtractInputsNoVirtualInCaption(t *testing.T) {
	got, err := ExtractInputs([]byte(`<Document><C Type="Page" Title="x"/></Document>`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExtractInputsMalformedXML(t *testing.T) {
	_, err := ExtractInputs([]byte(`<Document><C`))
	assert.Error(t, err)
}

// fakeFTP serves in-memory files.
type fakeFTP struct {
	names     []string
	files     map[string][]byte
	loginUser string
	loginPass string
	retrieved []string
	quit      bool
}

func (f *fakeFTP) Login(user, password string) error {
	f.loginUser, f.loginPass = user, password
	return nil
}

func (f *fakeFTP) NameList(string) ([]string, error) {
	return f.names, nil
}

func (f *fakeFTP) Retr(path string) (io.ReadCloser, error) {
	f.retrieved = append(f.retrieved, path)
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFTP) Quit() error {
	f.quit = true
	return nil
}

func newSyncTestConfig(enabled bool) *config.Safe {
	cfg := config.Default()
	cfg.Miniserver.SyncWithMiniserver = enabled
	cfg.Miniserver.User = "ftpuser"
	cfg.Miniserver.Pass = "ftppass"
	return config.NewSafe(cfg)
}

func TestSyncFetchesNewestArchive(t *testing.T) {
	archive := buildArchive(t, []byte(testProgramXML))
	fake := &fakeFTP{
		names: []string{"sps_2024_01.zip", "sps_2024_09.zip", "notes.txt", "sps.zip"},
		files: map[string][]byte{"/prog/sps_2024_09.zip": archive},
	}

	s, err := NewSyncer(newSyncTestConfig(true), nil, func(context.Context, string) (ftpConn, error) {
		return fake, nil
	})
	require.NoError(t, err)

	inputs, err := s.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"home_kitchen_temp", "garden_soil", "nested_input"}, inputs)
	assert.Equal(t, []string{"/prog/sps_2024_09.zip"}, fake.retrieved)
	assert.Equal(t, "ftpuser", fake.loginUser)
	assert.True(t, fake.quit)
}

func TestSyncDisabledReturnsNothing(t *testing.T) {
	s, err := NewSyncer(newSyncTestConfig(false), nil, func(context.Context, string) (ftpConn, error) {
		t.Fatal("dial should not be called when sync is disabled")
		return nil, nil
	})
	require.NoError(t, err)

	inputs, err := s.Sync(context.Background())
	require.NoError(t, err)
	assert.Nil(t, inputs)
}

func TestSyncNoArchivesFound(t *testing.T) {
	fake := &fakeFTP{names: []string{"notes.txt"}}
	s, err := NewSyncer(newSyncTestConfig(true), nil, func(context.Context, string) (ftpConn, error) {
		return fake, nil
	})
	require.NoError(t, err)

	_, err = s.Sync(context.Background())
	assert.Error(t, err)
}

func TestSyncDialFailure(t *testing.T) {
	s, err := NewSyncer(newSyncTestConfig(true), nil, func(context.Context, string) (ftpConn, error) {
		return nil, fmt.Errorf("connection refused")
	})
	require.NoError(t, err)

	_, err = s.Sync(context.Background())
	assert.Error(t, err)
}

func TestNewSyncerRequiresConfig(t *testing.T) {
	_, err := NewSyncer(nil, nil, nil)
	assert.Error(t, err)
}
