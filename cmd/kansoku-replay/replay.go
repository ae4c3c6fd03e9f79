package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ashita-ai/kansoku"
)

// maxLine bounds one JSON-lines record.
const maxLine = 1 << 20

type result struct {
	Read      int
	Malformed int
	Accepted  int
	Rejected  int
	Stats     kansoku.Stats
	Elapsed   time.Duration
}

// replay starts a session, emits every event read from r and ends the
// session so the final batch is flushed.
func replay(ctx context.Context, r io.Reader, opts options, logger *slog.Logger, extra ...kansoku.Option) (result, error) {
	start := time.Now()
	sdk, err := kansoku.New(opts.clientKey, append(sdkOptions(opts.cfg, logger), extra...)...)
	if err != nil {
		return result{}, err
	}
	defer func() { _ = sdk.Close(context.WithoutCancel(ctx)) }()

	if opts.sessionID != "" {
		err = sdk.StartSession(ctx, opts.siteID, opts.sessionID)
	} else {
		err = sdk.Start(ctx, opts.siteID)
	}
	if err != nil {
		return result{}, fmt.Errorf("start session: %w", err)
	}
	if opts.userID != "" {
		if err := sdk.SetUserID(opts.userID); err != nil {
			return result{}, err
		}
	}

	var res result
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		res.Read++
		var e kansoku.Event
		if err := json.Unmarshal(line, &e); err != nil || e.Type == "" {
			res.Malformed++
			logger.Warn("replay: skipping malformed line", "line", res.Read, "error", err)
			continue
		}
		if sdk.Emit(e) {
			res.Accepted++
		} else {
			res.Rejected++
		}
	}
	if err := sc.Err(); err != nil {
		return result{}, fmt.Errorf("read input: %w", err)
	}

	if err := sdk.StopSession(context.WithoutCancel(ctx)); err != nil {
		return result{}, fmt.Errorf("stop session: %w", err)
	}
	res.Stats = sdk.Stats()
	res.Elapsed = time.Since(start)
	return res, nil
}
