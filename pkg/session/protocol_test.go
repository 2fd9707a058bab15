package session

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/swe-harness/pkg/harnesserr"
	"github.com/stretchr/testify/assert"
)

func TestReadUntilMarkerSuccess(t *testing.T) {
	r, w := io.Pipe()
	cr := newChunkReader(r)

	go func() {
		_, _ = w.Write([]byte("hello\nworld\n" + processDoneMarkerStart + "0" + processDoneMarkerEnd + "\n"))
	}()

	body, code, err := readUntilMarker(cr, time.Second, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\nworld\n", body)
}

func TestReadUntilMarkerNonZeroExit(t *testing.T) {
	r, w := io.Pipe()
	cr := newChunkReader(r)

	go func() {
		_, _ = w.Write([]byte("oops\n" + processDoneMarkerStart + "17" + processDoneMarkerEnd + "\n"))
	}()

	body, code, err := readUntilMarker(cr, time.Second, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 17, code)
	assert.Equal(t, "oops\n", body)
}

func TestReadUntilMarkerNoOutputTimeout(t *testing.T) {
	r, _ := io.Pipe()
	cr := newChunkReader(r)

	_, _, err := readUntilMarker(cr, 2*time.Second, 50*time.Millisecond)
	assert.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.NoOutputTimeoutError))
}

func TestReadUntilMarkerTotalTimeout(t *testing.T) {
	r, w := io.Pipe()
	cr := newChunkReader(r)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = w.Write([]byte("still going\n"))
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	_, _, err := readUntilMarker(cr, 100*time.Millisecond, time.Second)
	assert.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.TotalTimeoutError))
}

func TestRewriteActionGradleAppendsEndMarker(t *testing.T) {
	got := rewriteAction("./gradlew test")
	assert.True(t, strings.HasSuffix(got, "; echo "+processDoneMarkerStart+"$?"+processDoneMarkerEnd+"\n"))
	assert.True(t, strings.HasPrefix(got, "./gradlew test"))
}

func TestRewriteActionNpmRunDetaches(t *testing.T) {
	got := rewriteAction("npm run build")
	assert.Equal(t, "(nohup  npm run build & > /dev/null) && sleep 30 && cat /dev/null \n", got)
}

func TestRewriteActionPassesThroughOtherwise(t *testing.T) {
	got := rewriteAction("go test ./...")
	assert.Equal(t, "go test ./...", got)
}
