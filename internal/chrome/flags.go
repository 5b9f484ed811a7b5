package chrome

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultLaunchArgs is the baseline flag set applied to every browser we
// launch. Caller overrides win on conflicting flags.
var DefaultLaunchArgs = []string{
	"--disable-background-networking",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-breakpad",
	"--disable-client-side-phishing-detection",
	"--disable-default-apps",
	"--disable-dev-shm-usage",
	"--disable-hang-monitor",
	"--disable-popup-blocking",
	"--disable-prompt-on-repost",
	"--disable-sync",
	"--disable-translate",
	"--metrics-recording-only",
	"--no-first-run",
	"--safebrowsing-disable-auto-update",
	"--password-store=basic",
	"--use-mock-keychain",
}

// Features is the tagged launch-feature configuration, assembled once before
// launch and consumed read-only thereafter. Flags are mutually composable:
// ad-block and unblock are orthogonal and may combine with stealth.
type Features struct {
	Stealth  bool   `json:"stealth"`
	ProxyURL string `json:"proxy,omitempty"`
	BlockAds bool   `json:"blockAds"`
	Unblock  bool   `json:"unblock"`
	Record   bool   `json:"record"`
}

// LaunchOptions are the caller-supplied launch parameters.
type LaunchOptions struct {
	Headless bool     `json:"headless"`
	Devtools bool     `json:"devtools"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// Extension directory names resolved under the launcher's extensions root.
const (
	adblockExtension  = "adblock"
	recorderExtension = "recorder"
)

// BuildArgs assembles the effective argument list as a set union keyed by
// flag name, so overlapping flags never produce duplicates. Precedence, low
// to high: defaults, feature-driven args, caller overrides.
func BuildArgs(opts LaunchOptions, feats Features, extDir string) []string {
	merged := make(map[string]string)

	apply := func(args []string) {
		for _, raw := range args {
			name, val := splitFlag(raw)
			if name == "" {
				continue
			}
			merged[name] = val
		}
	}

	apply(DefaultLaunchArgs)
	apply(featureArgs(feats, extDir))

	if opts.Devtools {
		merged["auto-open-devtools-for-tabs"] = ""
	}
	if opts.Width > 0 && opts.Height > 0 {
		merged["window-size"] = strconv.Itoa(opts.Width) + "," + strconv.Itoa(opts.Height)
	}

	apply(opts.Args)

	out := make([]string, 0, len(merged))
	for name, val := range merged {
		if val == "" {
			out = append(out, "--"+name)
		} else {
			out = append(out, "--"+name+"="+val)
		}
	}
	sort.Strings(out)
	return out
}

func featureArgs(feats Features, extDir string) []string {
	var args []string

	if feats.ProxyURL != "" {
		args = append(args, "--proxy-server="+feats.ProxyURL)
	}
	if feats.Stealth {
		args = append(args,
			"--disable-blink-features=AutomationControlled",
			"--exclude-switches=enable-automation",
		)
	}
	if feats.Unblock {
		args = append(args,
			"--force-webrtc-ip-handling-policy=disable_non_proxied_udp",
			"--lang=en-US",
		)
	}

	var extensions []string
	if feats.BlockAds {
		extensions = append(extensions, filepath.Join(extDir, adblockExtension))
	}
	if feats.Record {
		extensions = append(extensions, filepath.Join(extDir, recorderExtension))
	}
	if len(extensions) > 0 {
		joined := strings.Join(extensions, ",")
		args = append(args,
			"--disable-extensions-except="+joined,
			"--load-extension="+joined,
		)
	}

	return args
}

// splitFlag normalizes "--name=value", "-name" or "name" to (name, value).
func splitFlag(raw string) (string, string) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "-")
	name, val, _ := strings.Cut(trimmed, "=")
	return name, val
}

