package providers

import (
	"bufio"
	"bytes"
	"io"
)

var (
	ssePrefix    = []byte("data: ")
	sseDone      = []byte("[DONE]")
	sseDataField = []byte("data:")
)

// ReadSSE consumes a server-sent-event stream, invoking fn for each data
// payload. Only `data:` lines are consumed; `event:` and comment lines are
// ignored; blank lines separate events; `data: [DONE]` terminates the
// stream. Multi-line data fields within one event are joined with newlines
// per the SSE spec.
func ReadSSE(r io.Reader, fn func(data []byte) error) error {
	reader := bufio.NewReaderSize(r, 64*1024)

	var pending [][]byte
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		data := bytes.Join(pending, []byte("\n"))
		pending = pending[:0]
		if bytes.Equal(data, sseDone) {
			return io.EOF
		}
		return fn(data)
	}

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) == 0 {
				if ferr := flush(); ferr != nil {
					if ferr == io.EOF {
						return nil
					}
					return ferr
				}
			} else if bytes.HasPrefix(line, sseDataField) {
				data := bytes.TrimPrefix(line, sseDataField)
				data = bytes.TrimPrefix(data, []byte(" "))
				pending = append(pending, data)
			}
			// event:, id:, retry: and comment lines are ignored.
		}
		if err != nil {
			if err == io.EOF {
				if ferr := flush(); ferr != nil && ferr != io.EOF {
					return ferr
				}
				return nil
			}
			return err
		}
	}
}
