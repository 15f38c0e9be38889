package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/execution"
	"github.com/betbot/edgeexec/internal/metrics"
)

// Submitter 接收解析好的信号
type Submitter interface {
	Submit(ctx context.Context, sig domain.Signal) (*Ticket, error)
}

// SignalReader 从 JSONL 流读取信号（每行一个 JSON 对象），空行和 # 开头的行忽略
type SignalReader struct {
	r      io.Reader
	sink   Submitter
	follow bool
	poll   time.Duration
	now    func() time.Time
}

// NewSignalReader follow=true 时读到 EOF 后继续等待追加的数据
func NewSignalReader(r io.Reader, sink Submitter, follow bool) *SignalReader {
	return &SignalReader{r: r, sink: sink, follow: follow, poll: 200 * time.Millisecond, now: time.Now}
}

// OpenSignalSource "-" 或空表示 stdin
func OpenSignalSource(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// Run 读取直到 EOF（非 follow 模式）或 ctx 结束。单行解析失败只记录，不中断。
func (sr *SignalReader) Run(ctx context.Context) error {
	lines := make(chan string)
	errC := make(chan error, 1)
	go func() {
		errC <- sr.scan(ctx, lines)
		close(lines)
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				err := <-errC
				log.WithField("count", n).Info("📭 信号输入结束")
				return err
			}
			if sr.handleLine(ctx, line) {
				n++
			}
		}
	}
}

func (sr *SignalReader) scan(ctx context.Context, out chan<- string) error {
	br := bufio.NewReaderSize(sr.r, 64*1024)
	var partial strings.Builder
	for {
		chunk, err := br.ReadString('\n')
		partial.WriteString(chunk)
		if err == nil {
			line := partial.String()
			partial.Reset()
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			return err
		}
		if !sr.follow {
			if rest := partial.String(); strings.TrimSpace(rest) != "" {
				select {
				case out <- rest:
				case <-ctx.Done():
				}
			}
			return nil
		}
		// follow 模式：半行保留在 partial 中，等待写入方补全
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sr.poll):
		}
	}
}

func (sr *SignalReader) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	metrics.SignalsReceived.Add(1)

	var sig domain.Signal
	if err := json.Unmarshal([]byte(line), &sig); err != nil {
		metrics.SignalsMalformed.Add(1)
		log.WithError(err).Warnf("⚠️ 无法解析信号: %.120s", line)
		return false
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = sr.now().UTC()
	}
	if _, err := sr.sink.Submit(ctx, sig); err != nil {
		if errors.Is(err, execution.ErrDuplicateInFlight) {
			log.WithField("signal", sig.ID).Warn("⚠️ 重复信号，已忽略")
		} else {
			log.WithError(err).WithField("signal", sig.ID).Warn("⚠️ 信号提交失败")
		}
		return false
	}
	return true
}
