package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"Pulse/pkg/bridge"
	"Pulse/pkg/parse"
)

const (
	offlineRetryLimit   = 2
	offlineRetryBackoff = 150 * time.Millisecond
)

// fetch runs one command with the local retry policy: a timeout is
// retried once with identical arguments, an offline device up to
// offlineRetryLimit times with doubling backoff. Structural failures
// surface immediately.
func (s *Scheduler) fetch(ctx context.Context, deviceID string, kind CommandKind, args []string) (any, error) {
	backoff := offlineRetryBackoff
	timeoutRetried := false
	offlineRetries := 0

	for {
		v, err := s.fetchOnce(ctx, deviceID, kind, args)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		switch bridge.KindOf(err) {
		case bridge.FailTimeout:
			if timeoutRetried {
				return nil, err
			}
			timeoutRetried = true
			s.log.Debug().Str("device", deviceID).Str("kind", string(kind)).Msg("retrying after timeout")
		case bridge.FailDeviceOffline:
			if offlineRetries >= offlineRetryLimit {
				return nil, err
			}
			offlineRetries++
			s.log.Debug().Str("device", deviceID).Str("kind", string(kind)).
				Int("attempt", offlineRetries).Msg("retrying offline device")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, err
			}
			backoff *= 2
		default:
			return nil, err
		}
	}
}

func (s *Scheduler) fetchOnce(ctx context.Context, deviceID string, kind CommandKind, args []string) (any, error) {
	timeout := s.currentPolicy().timeout(kind)

	switch kind {
	case KindDiscovery:
		res, err := s.exec.Execute(ctx, "", timeout, "devices", "-l")
		if err != nil {
			return nil, err
		}
		rows, err := parse.Devices(res.Stdout)
		if err != nil {
			return nil, bridge.WrapError(bridge.FailParse, "", err)
		}
		return rows, nil

	case KindInventory:
		return s.fetchInventory(ctx, deviceID, timeout)

	case KindMemory:
		if len(args) == 0 || args[0] == "" {
			return nil, bridge.WrapError(bridge.FailNoSuchPackage, deviceID, fmt.Errorf("memory sample requires a package name"))
		}
		pkg := args[0]
		res, err := s.exec.Execute(ctx, deviceID, timeout, "shell", "dumpsys", "meminfo", pkg)
		if err != nil {
			return nil, err
		}
		snap, err := parse.Meminfo(res.Stdout)
		if err != nil {
			return nil, bridge.WrapError(bridge.FailParse, deviceID, err)
		}
		snap.DeviceID = deviceID
		snap.PackageName = pkg
		snap.CapturedAt = s.now()
		return snap, nil

	case KindCrashScan:
		res, err := s.exec.Execute(ctx, deviceID, timeout, "logcat", "-d", "-v", "time")
		if err != nil {
			return nil, err
		}
		crashes := parse.CrashLog(res.Stdout, s.now())
		for i := range crashes {
			crashes[i].DeviceID = deviceID
		}
		return crashes, nil

	default:
		return nil, bridge.WrapError(bridge.FailProcess, deviceID, fmt.Errorf("unknown command kind %q", kind))
	}
}

// fetchInventory merges the three package listing variants. Category
// comes from which listing produced the record, never from the name.
func (s *Scheduler) fetchInventory(ctx context.Context, deviceID string, timeout time.Duration) (any, error) {
	variants := []struct {
		flag     string
		category parse.Category
	}{
		{"-s", parse.CategorySystem},
		{"-3", parse.CategoryUser},
	}

	var merged []parse.PackageRecord
	for _, v := range variants {
		res, err := s.exec.Execute(ctx, deviceID, timeout, "shell", "pm", "list", "packages", v.flag, "--show-versioncode")
		if err != nil {
			return nil, err
		}
		records, err := parse.Packages(res.Stdout, v.category)
		if err != nil {
			return nil, bridge.WrapError(bridge.FailParse, deviceID, err)
		}
		merged = append(merged, records...)
	}

	res, err := s.exec.Execute(ctx, deviceID, timeout, "shell", "pm", "list", "packages", "-d")
	if err != nil {
		return nil, err
	}
	disabled, err := parse.Packages(res.Stdout, parse.CategoryDisabled)
	if err != nil {
		return nil, bridge.WrapError(bridge.FailParse, deviceID, err)
	}
	parse.MarkDisabled(merged, disabled)

	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged, nil
}
