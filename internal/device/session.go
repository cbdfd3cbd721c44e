package device

import (
	"errors"
	"log/slog"
)

// Session owns one opened handle and its info block. Close happens once.
type Session struct {
	log    *slog.Logger
	handle Handle
	info   Info
	path   string
	id     int
}

func Open(conn Connection, path string, flags Flags, id int) (*Session, error) {
	log := slog.With("src", "Session", "disk", id)

	h, err := conn.Open(path, flags)
	if err != nil {
		var de *Error
		if !errors.As(err, &de) {
			err = newError(1, ErrOpen, CodeFail, err)
		}
		return nil, err
	}

	info, err := h.Info()
	if err != nil {
		if cerr := h.Close(); cerr != nil {
			log.Error("close after failed info", "err", cerr)
		}
		var de *Error
		if !errors.As(err, &de) {
			err = newError(1, ErrIO, CodeFail, err)
		}
		return nil, err
	}

	log.Info("opened", "path", path, "mode", info.TransportMode, "capacity", info.Capacity)
	return &Session{
		log:    log,
		handle: h,
		info:   info,
		path:   path,
		id:     id,
	}, nil
}

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) Info() Info { return s.info }

func (s *Session) TransportMode() string { return s.info.TransportMode }

func (s *Session) ID() int { return s.id }

func (s *Session) Path() string { return s.path }

// Alignment is what buffers used with this session must be aligned to, 0 for none.
func (s *Session) Alignment() int {
	if !s.info.RequiresAlignment { return 0 }
	if s.info.Alignment != 0 { return int(s.info.Alignment) }
	return int(s.info.LogicalSectorSize)
}

// Close is a no-op on a zero or already closed Session.
func (s *Session) Close() error {
	if s == nil || s.handle == nil { return nil }
	h := s.handle
	s.handle = nil
	s.info = Info{}

	err := h.Close()
	if err != nil {
		s.log.Error("close", "err", err)
		return err
	}
	s.log.Info("closed")
	return nil
}
