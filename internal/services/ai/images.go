package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/hypnos-tgbot-go/internal/models"
	"golang.org/x/sync/errgroup"
)

// imageFanOut caps the provider calls one batch has open at a time
const imageFanOut = 4

// ImageBatch is the outcome of a multi image request. Images keep request
// order; Errors holds one entry per failed image. Attempts counts every
// provider call made for the batch.
type ImageBatch struct {
	Images   []models.Image
	Errors   []error
	Attempts int
}

// Failures returns the number of images that could not be generated
func (b ImageBatch) Failures() int {
	return len(b.Errors)
}

// GenerateImages issues one call per requested image, at most imageFanOut
// at a time. One image failing leaves the others running. The batch fails
// only when every image failed, with the first failure as error.
func (c *Client) GenerateImages(ctx context.Context, req Request) (ImageBatch, error) {
	count := req.Image.Count
	if count < 1 {
		count = 1
	}

	results := make([]*models.Image, count)
	errs := make([]error, count)
	attempts := make([]int, count)

	var g errgroup.Group
	g.SetLimit(imageFanOut)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			sub := req
			sub.ID = fmt.Sprintf("%s/%d", req.ID, i+1)
			sub.Kind = KindImage
			artifact, err := c.Call(ctx, sub)
			if err != nil {
				errs[i] = err
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					attempts[i] = apiErr.Attempts
				}
				return nil
			}
			if artifact.Image == nil {
				errs[i] = &APIError{Kind: ErrRejected, Attempts: artifact.Attempts, Err: errNoImage}
			}
			results[i] = artifact.Image
			attempts[i] = artifact.Attempts
			return nil
		})
	}
	// Failures are kept per image, so the group itself never fails
	_ = g.Wait()

	var batch ImageBatch
	for i := range results {
		batch.Attempts += attempts[i]
		if errs[i] != nil {
			batch.Errors = append(batch.Errors, errs[i])
			continue
		}
		batch.Images = append(batch.Images, *results[i])
	}
	if len(batch.Images) == 0 {
		return batch, batch.Errors[0]
	}
	return batch, nil
}
