package memory

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemos-io/mnemos/internal/memerr"
)

// View is the read-time projection that folds the edit log onto base
// chunks. It holds no state of its own: the effective chunk is always a
// pure function of (base chunk, ordered approved edits).
type View struct {
	chunks *Store
	edits  *EditLog
}

// NewView builds the effective view over a chunk store and edit log.
func NewView(chunks *Store, edits *EditLog) *View {
	return &View{chunks: chunks, edits: edits}
}

// Resolve returns the effective chunk, or NotFound when the chunk does not
// exist or has been retracted. Calling it twice without new approved edits
// yields identical output.
func (v *View) Resolve(ctx context.Context, tenantID, chunkID string) (*EffectiveChunk, error) {
	ctx, span := tracer.Start(ctx, "memory.resolve",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("chunk.id", chunkID),
		))
	defer span.End()

	base, err := v.chunks.GetBase(ctx, tenantID, chunkID)
	if err != nil {
		return nil, err
	}
	edits, err := v.edits.ApprovedFor(ctx, tenantID, TargetChunk, chunkID)
	if err != nil {
		return nil, err
	}

	eff, retracted := fold(base, edits)
	span.SetAttributes(
		attribute.Int("memory.edits_folded", len(edits)),
		attribute.Bool("memory.retracted", retracted),
	)
	if retracted {
		resolvesRetracted.Add(ctx, 1)
		return nil, memerr.NotFound("chunk", chunkID)
	}
	return eff, nil
}

// fold applies approved edits to a base chunk in applied_at order. The
// second return is true when any retract is present: a retract is
// set-removal, so it wins regardless of its position in the sequence.
func fold(base *Chunk, edits []MemoryEdit) (*EffectiveChunk, bool) {
	eff := &EffectiveChunk{Chunk: *base}
	retracted := false

	for i := range edits {
		e := &edits[i]
		switch e.Op {
		case OpRetract:
			retracted = true

		case OpAmend:
			var p AmendPatch
			if json.Unmarshal(e.Patch, &p) != nil {
				continue // validated at proposal time; tolerate legacy rows
			}
			if p.Text != nil {
				eff.Text = *p.Text
				eff.TokenEstimate = len(*p.Text) / 4
			}
			if p.Importance != nil {
				eff.Importance = clamp01(*p.Importance)
			}
			if p.Tags != nil {
				eff.Tags = p.Tags
			}
			if p.Kind != nil {
				eff.Kind = *p.Kind
			}

		case OpAttenuate:
			var p AttenuatePatch
			if json.Unmarshal(e.Patch, &p) != nil {
				continue
			}
			eff.Importance = clamp01(eff.Importance + p.ImportanceDelta)

		case OpQuarantine:
			eff.IsQuarantined = true

		case OpBlock:
			var p BlockPatch
			if json.Unmarshal(e.Patch, &p) != nil {
				continue
			}
			if !eff.BlockedOn(p.Channel) {
				eff.BlockedChannels = append(eff.BlockedChannels, p.Channel)
			}
		}
	}
	return eff, retracted
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
