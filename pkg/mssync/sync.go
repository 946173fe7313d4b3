package mssync

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/c360/topicrelay/config"
	"github.com/c360/topicrelay/errors"
)

// programFilePattern matches versioned program archives in the prog folder.
var programFilePattern = regexp.MustCompile(`(sps_\d+_\d+\.(?:zip|LoxCC))`)

const programArchiveEntry = "sps0.LoxCC"

// ftpConn is the FTP surface the syncer uses, satisfied by jlaffaye/ftp.
type ftpConn interface {
	Login(user, password string) error
	NameList(path string) ([]string, error)
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

// DialFunc opens an FTP connection to addr. Tests substitute a fake.
type DialFunc func(ctx context.Context, addr string) (ftpConn, error)

func dialFTP(ctx context.Context, addr string) (ftpConn, error) {
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, err
	}
	return &serverConn{conn}, nil
}

// serverConn adapts *ftp.ServerConn to ftpConn.
type serverConn struct {
	conn *ftp.ServerConn
}

func (s *serverConn) Login(user, password string) error {
	return s.conn.Login(user, password)
}

func (s *serverConn) NameList(path string) ([]string, error) {
	return s.conn.NameList(path)
}

func (s *serverConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := s.conn.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *serverConn) Quit() error {
	return s.conn.Quit()
}

// Syncer loads the miniserver program over FTP and extracts virtual input
// names for the topic whitelist.
type Syncer struct {
	cfg    *config.Safe
	logger *slog.Logger
	dial   DialFunc
}

// NewSyncer creates a syncer. A nil dial uses the real FTP client.
func NewSyncer(cfg *config.Safe, logger *slog.Logger, dial DialFunc) (*Syncer, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Syncer", "NewSyncer", "read config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = dialFTP
	}
	return &Syncer{cfg: cfg, logger: logger, dial: dial}, nil
}

// Sync fetches the newest program archive and returns the virtual input
// names it defines. Returns nil without error when syncing is disabled.
func (s *Syncer) Sync(ctx context.Context) ([]string, error) {
	ms := s.cfg.Miniserver()
	if !ms.SyncWithMiniserver {
		s.logger.Debug("Miniserver sync disabled")
		return nil, nil
	}

	host := ms.IP
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr := net.JoinHostPort(host, "21")

	archive, name, err := s.fetchArchive(ctx, addr, ms.User, ms.Pass)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Fetched miniserver program archive", "file", name, "size", len(archive))

	document, err := unpackProgram(archive)
	if err != nil {
		return nil, err
	}

	inputs, err := ExtractInputs(document)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Extracted virtual inputs from miniserver program", "count", len(inputs))
	return inputs, nil
}

// fetchArchive downloads the newest versioned program file from /prog.
func (s *Syncer) fetchArchive(ctx context.Context, addr, user, pass string) ([]byte, string, error) {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, "", errors.WrapTransient(err, "Syncer", "fetchArchive",
			fmt.Sprintf("dial %s", addr))
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			s.logger.Debug("FTP quit failed", "error", err)
		}
	}()

	if err := conn.Login(user, pass); err != nil {
		return nil, "", errors.WrapTransient(err, "Syncer", "fetchArchive", "login")
	}

	names, err := conn.NameList("prog")
	if err != nil {
		return nil, "", errors.WrapTransient(err, "Syncer", "fetchArchive", "list prog folder")
	}

	var candidates []string
	for _, name := range names {
		if m := programFilePattern.FindStringSubmatch(name); m != nil {
			candidates = append(candidates, m[1])
		}
	}
	if len(candidates) == 0 {
		return nil, "", errors.WrapInvalid(
			fmt.Errorf("no program files in prog folder"),
			"Syncer", "fetchArchive", "select archive")
	}
	sort.Strings(candidates)
	newest := candidates[len(candidates)-1]

	reader, err := conn.Retr("/prog/" + newest)
	if err != nil {
		return nil, "", errors.WrapTransient(err, "Syncer", "fetchArchive",
			fmt.Sprintf("retrieve %s", newest))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", errors.WrapTransient(err, "Syncer", "fetchArchive",
			fmt.Sprintf("download %s", newest))
	}
	return data, newest, nil
}

// unpackProgram opens the zip archive and decodes the contained LoxCC block.
func unpackProgram(archive []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Syncer", "unpackProgram", "open zip archive")
	}

	entry, err := zr.Open(programArchiveEntry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Syncer", "unpackProgram",
			fmt.Sprintf("open %s", programArchiveEntry))
	}
	defer entry.Close()

	raw, err := io.ReadAll(entry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Syncer", "unpackProgram",
			fmt.Sprintf("read %s", programArchiveEntry))
	}
	return DecodeLoxCC(raw)
}
