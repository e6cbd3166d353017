package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/snapetech/plexbridge/internal/store"
)

// ProfileSource loads transcode profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, id string) (store.TranscodeProfile, error)
	DefaultProfile(ctx context.Context) (store.TranscodeProfile, error)
}

// Plan is the resolved worker invocation for one tune.
type Plan struct {
	ProfileID string
	Client    store.ClientKind
	Transcode bool
	// Source explains where ProfileID came from: "stream", "default",
	// "reliability" or "escalation:<level>".
	Source string
	Args   []string
}

// Selector turns (stream, client, resolved URL) into a Plan.
type Selector struct {
	Profiles   ProfileSource
	Escalation *Escalator // nil disables escalation
}

// Plan runs the selection algorithm. A stream-level reliability override
// beats escalation, which beats the stream's assigned profile, which beats
// the default.
func (s *Selector) Plan(ctx context.Context, st store.Stream, userAgent, upstreamURL string) (Plan, error) {
	kind := ClassifyClient(userAgent)
	profile, source, err := s.pickProfile(ctx, st)
	if err != nil {
		return Plan{}, err
	}
	tmpl, ok := profile.Clients[kind]
	if !ok {
		tmpl, ok = profile.Clients[store.ClientWeb]
	}
	if !ok {
		for _, k := range store.ClientKinds {
			if tmpl, ok = profile.Clients[k]; ok {
				break
			}
		}
	}
	if !ok {
		return Plan{}, fmt.Errorf("transcoder: profile %s has no client templates", profile.ID)
	}
	transcode := NeedsTranscode(st, upstreamURL) || strings.HasPrefix(source, "escalation")
	t := tmpl.CopyArgsTemplate
	if transcode {
		t = tmpl.ArgsTemplate
	}
	args, err := BuildArgs(t, upstreamURL, InputOptions(st, upstreamURL))
	if err != nil {
		return Plan{}, fmt.Errorf("transcoder: profile %s client %s: %w", profile.ID, kind, err)
	}
	return Plan{ProfileID: profile.ID, Client: kind, Transcode: transcode, Source: source, Args: args}, nil
}

func (s *Selector) pickProfile(ctx context.Context, st store.Stream) (store.TranscodeProfile, string, error) {
	try := func(id, source string) (store.TranscodeProfile, string, bool) {
		if id == "" {
			return store.TranscodeProfile{}, "", false
		}
		p, err := s.Profiles.GetProfile(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("transcoder: load profile=%s stream=%s err=%v", id, st.ID, err)
			}
			return store.TranscodeProfile{}, "", false
		}
		return p, source, true
	}
	if p, src, ok := try(st.ReliabilityProfile, "reliability"); ok {
		return p, src, nil
	}
	if s.Escalation != nil {
		if lvl := s.Escalation.Level(st.ID); lvl > 0 {
			if p, src, ok := try(Ladder[lvl-1], fmt.Sprintf("escalation:%d", lvl)); ok {
				return p, src, nil
			}
		}
	}
	if p, src, ok := try(st.ProfileID, "stream"); ok {
		return p, src, nil
	}
	p, err := s.Profiles.DefaultProfile(ctx)
	if err != nil {
		return p, "", fmt.Errorf("transcoder: default profile: %w", err)
	}
	return p, "default", nil
}
