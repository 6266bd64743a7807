package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/arlojensen/aigateway/internal/upstream"
)

// thoughtMarkers are the upstream markers substituted mid-stream; a read
// boundary can split one, so the carry-over window below is sized off the
// longest of them.
var thoughtMarkers = [][]byte{[]byte("<thought>"), []byte("</thought>")}

// maxMarkerLen is the longest upstream marker substituted mid-stream.
const maxMarkerLen = len("</thought>")

// copyWithMarkerSubstitution streams src to dst, replacing the upstream's
// <thought>/</thought> markers with the OpenAI-convention <think>/</think>
// pair, flushing after each chunk so SSE clients see data as it arrives.
// A marker split across a read boundary is handled by only emitting up to
// a safe cut point: the earliest suffix of the buffered carry that could
// still be the unfinished start of a marker is held back rather than a
// fixed trailing byte count, so a complete marker straddling that fixed
// boundary is never split mid-pattern.
func copyWithMarkerSubstitution(dst io.Writer, src io.Reader) error {
	flusher, _ := dst.(http.Flusher)
	r := bufio.NewReaderSize(src, 32*1024)
	var carry []byte
	buf := make([]byte, 32*1024)

	flush := func(final bool) error {
		if len(carry) == 0 {
			return nil
		}
		cut := len(carry)
		if !final {
			cut = safeCutPoint(carry)
			if cut == 0 {
				return nil
			}
		}
		out := upstream.SubstituteThoughtMarkers(string(carry[:cut]))
		if _, err := dst.Write([]byte(out)); err != nil {
			return err
		}
		carry = carry[cut:]
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			if ferr := flush(false); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if err == io.EOF {
				return flush(true)
			}
			return err
		}
	}
}

// safeCutPoint returns how many leading bytes of carry are safe to
// substitute and emit now. It holds back the longest suffix of carry that
// is a proper prefix of a marker (i.e. could still grow into a complete
// marker with more bytes), so a complete marker is never split across the
// cut. A suffix that already contains a complete marker is never held
// back: matching stops as soon as the candidate suffix is as long as the
// marker itself.
func safeCutPoint(carry []byte) int {
	n := len(carry)
	limit := maxMarkerLen - 1
	if limit > n {
		limit = n
	}
	for i := limit; i >= 1; i-- {
		suffix := carry[n-i:]
		for _, m := range thoughtMarkers {
			if len(suffix) < len(m) && bytes.Equal(suffix, m[:len(suffix)]) {
				return n - i
			}
		}
	}
	return n
}
