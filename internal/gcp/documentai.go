package gcp

import (
	"context"
	"fmt"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/Lllllllleong/docingest/internal/pipeline"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DocAIParser implements pipeline.Parser on Document AI. The single-shot
// path uses processor.process, the batch path processor.batchProcess with
// the returned operation name as the opaque handle; BatchPoll rehydrates the
// operation from the handle alone, so polling survives process restarts.
type DocAIParser struct {
	client    *documentai.DocumentProcessorClient
	processor string
}

var _ pipeline.Parser = (*DocAIParser)(nil)

// NewDocAIParser creates a parser bound to one processor resource name
// (projects/<p>/locations/<l>/processors/<id>) in the given region.
func NewDocAIParser(ctx context.Context, region, processor string) (*DocAIParser, error) {
	if region == "" || processor == "" {
		return nil, fmt.Errorf("NewDocAIParser: region and processor must be set")
	}
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", region)
	client, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create Document AI client: %w", err)
	}
	return &DocAIParser{client: client, processor: processor}, nil
}

func (p *DocAIParser) Close() error {
	return p.client.Close()
}

func (p *DocAIParser) ParseSync(ctx context.Context, uri, mimeType string) (*pipeline.ParseResult, error) {
	req := &documentaipb.ProcessRequest{
		Name: p.processor,
		Source: &documentaipb.ProcessRequest_GcsDocument{
			GcsDocument: &documentaipb.GcsDocument{
				GcsUri:   uri,
				MimeType: mimeType,
			},
		},
	}
	resp, err := p.client.ProcessDocument(ctx, req)
	if err != nil {
		return nil, classifyRemoteError("process document", err)
	}
	return documentToResult(resp.GetDocument()), nil
}

func (p *DocAIParser) BatchStart(ctx context.Context, uris []string, mimeType, outputPrefix string) (string, error) {
	docs := make([]*documentaipb.GcsDocument, 0, len(uris))
	for _, uri := range uris {
		docs = append(docs, &documentaipb.GcsDocument{GcsUri: uri, MimeType: mimeType})
	}
	req := &documentaipb.BatchProcessRequest{
		Name: p.processor,
		InputDocuments: &documentaipb.BatchDocumentsInputConfig{
			Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
				GcsDocuments: &documentaipb.GcsDocuments{Documents: docs},
			},
		},
		DocumentOutputConfig: &documentaipb.DocumentOutputConfig{
			Destination: &documentaipb.DocumentOutputConfig_GcsOutputConfig_{
				GcsOutputConfig: &documentaipb.DocumentOutputConfig_GcsOutputConfig{
					GcsUri: outputPrefix,
				},
			},
		},
	}
	op, err := p.client.BatchProcessDocuments(ctx, req)
	if err != nil {
		return "", classifyRemoteError("start batch process", err)
	}
	return op.Name(), nil
}

func (p *DocAIParser) BatchPoll(ctx context.Context, handle string) (*pipeline.BatchStatus, error) {
	op := p.client.BatchProcessDocumentsOperation(handle)
	_, err := op.Poll(ctx)
	if err != nil {
		if op.Done() {
			// The operation itself finished with a terminal failure.
			return &pipeline.BatchStatus{Done: true, Err: err.Error()}, nil
		}
		return nil, classifyRemoteError(fmt.Sprintf("poll %s", handle), err)
	}
	return &pipeline.BatchStatus{Done: op.Done()}, nil
}

// classifyRemoteError maps gRPC failures to the pipeline's error taxonomy:
// connectivity and throttling codes are transient and retried with backoff,
// anything else is a terminal remote failure.
func classifyRemoteError(action string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return pipeline.Transient(fmt.Errorf("%s: %w", action, err))
	default:
		return &pipeline.RemoteError{Message: fmt.Sprintf("%s: %v", action, err)}
	}
}

func documentToResult(doc *documentaipb.Document) *pipeline.ParseResult {
	result := &pipeline.ParseResult{Text: doc.GetText()}
	for _, ent := range doc.GetEntities() {
		result.Entities = append(result.Entities, pipeline.Entity{
			Text: ent.GetMentionText(),
			Type: ent.GetType(),
		})
	}
	return result
}
