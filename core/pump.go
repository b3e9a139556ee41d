package core

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"pkt.systems/pslog"
)

const pumpReadSize = 4096

// StreamPump drains one reader into an OutputBuffer on its own goroutine.
// The buffer is complete once Join returns.
type StreamPump struct {
	name string
	src  io.Reader
	dst  *OutputBuffer
	log  pslog.Logger
	echo bool
	done chan struct{}
}

// NewStreamPump returns a pump copying src into dst. When echo is set every
// captured line is logged at trace level.
func NewStreamPump(name string, src io.Reader, dst *OutputBuffer, log pslog.Logger, echo bool) *StreamPump {
	return &StreamPump{
		name: name,
		src:  src,
		dst:  dst,
		log:  log,
		echo: echo,
		done: make(chan struct{}),
	}
}

// Start begins draining. It must be called exactly once.
func (p *StreamPump) Start() {
	go p.run()
}

// Join blocks until the source reached end of stream or failed.
func (p *StreamPump) Join() {
	<-p.done
}

func (p *StreamPump) run() {
	defer close(p.done)
	reader := bufio.NewReaderSize(p.src, pumpReadSize)
	for {
		line, err := reader.ReadSlice('\n')
		if len(line) > 0 {
			_, _ = p.dst.Write(line)
			if p.echo && p.log != nil {
				p.log.Trace("shell output", "stream", p.name, "line", strings.TrimRight(string(line), "\r\n"))
			}
		}
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && p.log != nil {
			p.log.Warn("shell stream read failed", "stream", p.name, "err", err)
		}
		return
	}
}
