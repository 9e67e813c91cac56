package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sys/unix"
)

const (
	terminalBufferSize = 1024
	// bytes handed to the UART per loop iteration
	terminalBurst = 5

	pollPendingMillis = 100
	pollIdleMillis    = 250
	holdOff           = 50 * time.Millisecond
)

// Terminal is a VT100 on the other end of the serial line: keystrokes from in go to the UART,
// transmitted bytes are written to out.
type Terminal struct {
	log  log.Logger
	uart *UART
	in   *os.File
	out  io.Writer

	buf *FIFO[byte]
}

func NewTerminal(logger log.Logger, uart *UART, in *os.File, out io.Writer) *Terminal {
	return &Terminal{log: logger, uart: uart, in: in, out: out, buf: NewFIFO[byte](terminalBufferSize)}
}

func (t *Terminal) Receive(b byte) error {
	_, err := t.out.Write([]byte{b})
	return err
}

// makeRaw puts a tty into raw mode and returns the function restoring it. Input that is not a
// tty is left alone.
func (t *Terminal) makeRaw(fd int) (func(), error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		t.log.Debug("terminal input is not a tty", "err", err)
		return func() {}, nil
	}
	raw := *old
	raw.Iflag &^= unix.BRKINT | unix.ICRNL | unix.INPCK | unix.ISTRIP | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Cflag |= unix.CS8
	raw.Lflag &^= unix.ECHO | unix.ICANON | unix.IEXTEN | unix.ISIG
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &raw); err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	return func() {
		if err := unix.IoctlSetTermios(fd, ioctlSetTermios, old); err != nil {
			t.log.Warn("failed to restore terminal", "err", err)
		}
	}, nil
}

// Run moves keystrokes to the UART until ctx is done. The end of input is passed on to the UART
// once everything read was delivered.
func (t *Terminal) Run(ctx context.Context) error {
	fd := int(t.in.Fd())
	restore, err := t.makeRaw(fd)
	if err != nil {
		return err
	}
	defer restore()

	eof := false
	chunk := make([]byte, terminalBufferSize)
	for ctx.Err() == nil {
		if !eof && !t.buf.Full() {
			timeout := pollIdleMillis
			if !t.buf.Empty() {
				timeout = pollPendingMillis
			}
			n, err := t.read(fd, chunk[:t.buf.CapacityLeft()], timeout)
			if err != nil {
				return err
			}
			if n < 0 {
				eof = true
				t.log.Debug("terminal input closed")
			}
			for _, b := range chunk[:max(n, 0)] {
				t.buf.TryEnqueue(b)
			}
		}

		for i := 0; i < terminalBurst && !t.buf.Empty() && t.uart.ClearToSend(); i++ {
			b, _ := t.buf.TakeFirst()
			t.uart.Input(b)
		}

		switch {
		case eof && t.buf.Empty():
			t.uart.CloseInput()
			return nil
		case !t.buf.Empty() && !t.uart.ClearToSend(), eof:
			select {
			case <-ctx.Done():
			case <-time.After(holdOff):
			}
		}
	}
	return nil
}

// read polls fd for up to timeout milliseconds and reads what is available. It returns -1 at
// the end of input.
func (t *Terminal) read(fd int, p []byte, timeout int) (int, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeout)
	if errors.Is(err, unix.EINTR) || n == 0 {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("poll terminal input: %w", err)
	}
	if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		return 0, nil
	}
	n, err = unix.Read(fd, p)
	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read terminal input: %w", err)
	case n == 0:
		return -1, nil
	}
	return n, nil
}

// LinePeer collects transmitted bytes into lines and writes each line to w, for output that is
// logged rather than shown on a terminal.
type LinePeer struct {
	w    io.Writer
	line []byte
}

// maximum length of a line before it is written out without its newline
const maxLine = 4096

func NewLinePeer(w io.Writer) *LinePeer {
	return &LinePeer{w: w}
}

func (p *LinePeer) Receive(b byte) error {
	p.line = append(p.line, b)
	if b == '\n' || len(p.line) >= maxLine {
		return p.Flush()
	}
	return nil
}

// Flush writes out a partial line.
func (p *LinePeer) Flush() error {
	if len(p.line) == 0 {
		return nil
	}
	_, err := p.w.Write(p.line)
	p.line = p.line[:0]
	return err
}
