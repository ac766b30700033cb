package agent

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/util"
)

// Line is one log line together with the position the checkpoint should
// advance to once the line has been acknowledged by the server.
type Line struct {
	SourceFile string
	Text       string
	Device     uint64
	Inode      uint64
	EndOffset  int64
}

// Tailer follows a single log file by polling, surviving rotation and
// truncation. Lines are emitted with their end offset; the tailer never
// writes checkpoints itself, the shipper does that after the server
// acknowledges a batch. A nil filter ships every line; a filtered-out
// line still advances the offset so the next kept line's checkpoint
// covers it.
type Tailer struct {
	path   string
	poll   time.Duration
	filter func(string) bool
	store  *CheckpointStore
	logger *zap.Logger

	file   *os.File
	reader *bufio.Reader
	dev    uint64
	ino    uint64
	offset int64
}

func NewTailer(path string, poll time.Duration, filter func(string) bool, store *CheckpointStore, logger *zap.Logger) *Tailer {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Tailer{
		path:   path,
		poll:   poll,
		filter: filter,
		store:  store,
		logger: logger,
	}
}

// Run tails the file until the context is cancelled, sending lines on
// out. The file not existing yet is not an error; the tailer waits for
// it to appear.
func (t *Tailer) Run(ctx context.Context, out chan<- Line) {
	defer t.closeFile()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		if t.file == nil {
			if err := t.open(); err != nil {
				util.Debug("Log file not available",
					zap.String("log_file", t.path),
					zap.Error(err))
			}
		}

		if t.file != nil {
			if err := t.drain(ctx, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				util.Warn("Tail read failed, reopening",
					zap.String("log_file", t.path),
					zap.Error(err))
				t.closeFile()
			} else {
				t.checkRotation(ctx, out)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// open attaches to the current incarnation of the file. A checkpoint
// naming this exact incarnation is honored; when its offset exceeds the
// file size the file was truncated while the agent was down, so reading
// restarts from the beginning. Without a usable checkpoint the tailer
// starts at the end so history is not re-shipped.
func (t *Tailer) open() error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	dev, ino, ok := fileIdentity(info)
	if !ok {
		file.Close()
		return os.ErrInvalid
	}

	offset := info.Size()
	if cp := t.store.Load(t.path); cp.Matches(dev, ino) {
		if cp.Offset <= info.Size() {
			offset = cp.Offset
		} else {
			util.Warn("Checkpoint past end of file, treating as truncation",
				zap.String("log_file", t.path),
				zap.Int64("checkpoint_offset", cp.Offset),
				zap.Int64("file_size", info.Size()))
			offset = 0
		}
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return err
	}

	t.file = file
	t.reader = bufio.NewReader(file)
	t.dev = dev
	t.ino = ino
	t.offset = offset

	util.Info("Tailing log file",
		zap.String("log_file", t.path),
		zap.Int64("offset", offset))
	return nil
}

// drain reads every complete line currently available. A trailing
// partial line without a newline stays unread until the writer finishes
// it.
func (t *Tailer) drain(ctx context.Context, out chan<- Line) error {
	for {
		text, err := t.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if len(text) > 0 {
					// Partial line; rewind so the next drain rereads it whole.
					if _, serr := t.file.Seek(t.offset, io.SeekStart); serr != nil {
						return serr
					}
					t.reader.Reset(t.file)
				}
				return nil
			}
			return err
		}

		t.offset += int64(len(text))
		trimmed := strings.TrimRight(text, "\r\n")
		if t.filter != nil && !t.filter(trimmed) {
			continue
		}

		line := Line{
			SourceFile: t.path,
			Text:       trimmed,
			Device:     t.dev,
			Inode:      t.ino,
			EndOffset:  t.offset,
		}

		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkRotation detects the path pointing at a new incarnation
// (rotation) or the current one shrinking (truncation). On rotation the
// old descriptor was already drained, so switching loses nothing.
func (t *Tailer) checkRotation(ctx context.Context, out chan<- Line) {
	info, err := os.Stat(t.path)
	if err != nil {
		// Rotated away with no replacement yet; keep draining the old
		// descriptor until the new file appears.
		return
	}

	dev, ino, ok := fileIdentity(info)
	if !ok {
		return
	}

	if dev != t.dev || ino != t.ino {
		util.Info("Log file rotated",
			zap.String("log_file", t.path))
		if err := t.drain(ctx, out); err != nil && ctx.Err() == nil {
			util.Warn("Failed to drain rotated file",
				zap.String("log_file", t.path),
				zap.Error(err))
		}
		t.closeFile()

		file, err := os.Open(t.path)
		if err != nil {
			return
		}
		t.file = file
		t.reader = bufio.NewReader(file)
		t.dev = dev
		t.ino = ino
		t.offset = 0
		return
	}

	if info.Size() < t.offset {
		util.Warn("Log file truncated, restarting from beginning",
			zap.String("log_file", t.path),
			zap.Int64("old_offset", t.offset),
			zap.Int64("new_size", info.Size()))
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.closeFile()
			return
		}
		t.reader.Reset(t.file)
		t.offset = 0
	}
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
	}
}
