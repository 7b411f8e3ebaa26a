package painter

import (
	"fmt"

	"github.com/soyeong-kwon/MyDreamer/tensor"
)

// BuildEmbeddings turns prompts and negative prompts into one
// conditioning batch. With guidance enabled (scale > 1) the result is
// [2B, seq, dim] with the unconditional half first; otherwise
// [B, seq, dim]. Missing negatives default to empty strings. The text
// encoder is frozen, so nothing here touches the tape.
func (p *Pipeline) BuildEmbeddings(prompts, negatives []string, batch int, guidanceScale float32) (*tensor.Tensor, error) {
	if len(prompts) == 0 {
		return nil, &InvalidInputError{Field: "prompt", Reason: "at least one prompt is required"}
	}

	cond, err := p.encodePrompts(prompts, batch)
	if err != nil {
		return nil, fmt.Errorf("conditional embeddings: %w", err)
	}
	if guidanceScale <= 1 {
		return cond, nil
	}

	if len(negatives) == 0 {
		negatives = make([]string, batch)
	}
	uncond, err := p.encodePrompts(negatives, batch)
	if err != nil {
		return nil, fmt.Errorf("unconditional embeddings: %w", err)
	}
	return tensor.ConcatBatch(uncond, cond), nil
}

// encodePrompts embeds each prompt and stacks to [batch, seq, dim].
// A single prompt is broadcast across the batch.
func (p *Pipeline) encodePrompts(prompts []string, batch int) (*tensor.Tensor, error) {
	if len(prompts) != 1 && len(prompts) != batch {
		return nil, &InvalidInputError{
			Field:  "prompt",
			Reason: fmt.Sprintf("got %d prompts for batch size %d", len(prompts), batch),
		}
	}
	embs := make([]*tensor.Tensor, 0, batch)
	for b := 0; b < batch; b++ {
		text := prompts[0]
		if len(prompts) == batch {
			text = prompts[b]
		}
		ids := p.oracle.Tokenize(text, p.cfg.MaxTokenLength)
		emb, err := p.oracle.EncodeText(ids)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", text, err)
		}
		embs = append(embs, emb)
	}
	return tensor.ConcatBatch(embs...), nil
}
