package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"cloud.google.com/go/firestore"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/locking"
	"github.com/Lllllllleong/docingest/internal/models"
	"github.com/Lllllllleong/docingest/internal/pipeline"
	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protojson"
)

// unitLockTTL bounds how long a crashed invocation can hold a unit hostage.
const unitLockTTL = 5 * time.Minute

type OrchestratorConfig struct {
	ProjectID        string
	SourceBucket     string
	OutputBucket     string
	CollectionName   string
	ParserBackend    string // "documentai" or "gemini"
	DocAIRegion      string
	DocAIProcessor   string
	GeminiModel      string
	VertexAIRegion   string
	MimeType         string
	WorkflowID       string // optional post-success hand-off
	WorkflowLocation string
	RedisAddr        string // optional per-unit lock backend
}

// OrchestratorFunction reacts to source-bucket uploads: it re-evaluates the
// unit's completeness on every event and, once the declared chunk set is
// fully present, drives the unit's state machine. All progress lives in the
// checkpoint record, so the function tolerates duplicate events, crashes,
// and redeliveries.
type OrchestratorFunction struct {
	config           OrchestratorConfig
	source           *gcp.BucketStore
	output           *gcp.BucketStore
	detector         *pipeline.Detector
	checkpoints      *pipeline.CheckpointStore
	machine          *pipeline.StateMachine
	firestoreClient  *firestore.Client
	executionsClient *executions.Client
	locks            *locking.UnitLock
}

func loadOrchestratorConfig() (*OrchestratorConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	sourceBucket := gcp.GetEnv("SOURCE_BUCKET", "")
	outputBucket := gcp.GetEnv("OUTPUT_BUCKET", "")
	if sourceBucket == "" || outputBucket == "" {
		return nil, fmt.Errorf("SOURCE_BUCKET and OUTPUT_BUCKET environment variables must be set")
	}

	config := &OrchestratorConfig{
		ProjectID:        projectID,
		SourceBucket:     sourceBucket,
		OutputBucket:     outputBucket,
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "units"),
		ParserBackend:    gcp.GetEnv("PARSER_BACKEND", "documentai"),
		DocAIRegion:      gcp.GetEnv("DOCAI_REGION", "us"),
		DocAIProcessor:   gcp.GetEnv("DOCAI_PROCESSOR", ""),
		GeminiModel:      gcp.GetEnv("GEMINI_MODEL", "gemini-1.5-pro"),
		VertexAIRegion:   gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		MimeType:         gcp.GetEnv("DOCUMENT_MIME_TYPE", "application/pdf"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		RedisAddr:        gcp.GetEnv("REDIS_ADDR", ""),
	}
	if config.ParserBackend == "documentai" && config.DocAIProcessor == "" {
		return nil, fmt.Errorf("DOCAI_PROCESSOR environment variable must be set for the documentai backend")
	}
	return config, nil
}

func NewOrchestrator(ctx context.Context) (*OrchestratorFunction, error) {
	config, err := loadOrchestratorConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, err
	}

	var parser pipeline.Parser
	switch config.ParserBackend {
	case "documentai":
		parser, err = gcp.NewDocAIParser(ctx, config.DocAIRegion, config.DocAIProcessor)
	case "gemini":
		parser, err = gcp.NewGeminiParser(ctx, config.ProjectID, config.VertexAIRegion, config.GeminiModel)
	default:
		err = fmt.Errorf("unknown PARSER_BACKEND %q", config.ParserBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}

	f := &OrchestratorFunction{
		config:          *config,
		source:          gcp.NewBucketStore(storageClient, config.SourceBucket),
		output:          gcp.NewBucketStore(storageClient, config.OutputBucket),
		firestoreClient: firestoreClient,
	}
	f.detector = pipeline.NewDetector(f.source)
	f.checkpoints = pipeline.NewCheckpointStore(f.output)
	f.machine = pipeline.NewStateMachine(f.checkpoints, parser, f.finalizeUnit,
		pipeline.WithTransitionHook(f.recordTransition))

	if config.WorkflowID != "" {
		f.executionsClient, err = gcp.NewExecutionsClient(ctx)
		if err != nil {
			return nil, err
		}
	}
	if config.RedisAddr != "" {
		f.locks = locking.NewUnitLock(redis.NewClient(&redis.Options{Addr: config.RedisAddr}))
	}

	slog.Info("Orchestrator logic initialized.",
		"sourceBucket", config.SourceBucket,
		"outputBucket", config.OutputBucket,
		"parserBackend", config.ParserBackend,
		"unitLocking", config.RedisAddr != "")
	return f, nil
}

// Process handles one source-bucket object notification.
func (f *OrchestratorFunction) Process(ctx context.Context, e models.GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)

	unit, ok := unitFromSourceObject(e.Name)
	if !ok {
		logCtx.Info("Ignoring object outside any unit folder.")
		return nil
	}
	logCtx = logCtx.With("unit", unit)

	release, acquired, err := f.lockUnit(ctx, unit)
	if err != nil {
		return err
	}
	if !acquired {
		logCtx.Info("Another processor holds the unit lock. Dropping event; a later trigger re-converges.")
		return nil
	}
	defer release()

	decision, manifest, err := f.detector.Evaluate(ctx, unit)
	if err != nil {
		logCtx.Error("Completeness evaluation failed.", "error", err)
		return err
	}
	logCtx.Info("Completeness evaluated.", "decision", decision.String())
	if decision == pipeline.DecisionWait {
		return nil
	}

	return f.machine.Advance(ctx, unit, decision, f.unitInput(unit, manifest))
}

// lockUnit serializes processors per unit when a lock backend is configured.
// Without one the documented two-concurrent-triggers race remains; the
// sweep reconciles eventually.
func (f *OrchestratorFunction) lockUnit(ctx context.Context, unit string) (release func(), acquired bool, err error) {
	if f.locks == nil {
		return func() {}, true, nil
	}
	acquired, err = f.locks.Acquire(ctx, unit, unitLockTTL)
	if err != nil || !acquired {
		return func() {}, acquired, err
	}
	return func() {
		if rerr := f.locks.Release(context.WithoutCancel(ctx), unit); rerr != nil {
			slog.Warn("Failed to release unit lock; it will expire.", "unit", unit, "error", rerr)
		}
	}, true, nil
}

func (f *OrchestratorFunction) unitInput(unit string, manifest *models.Manifest) pipeline.UnitInput {
	names := append([]string(nil), manifest.DeclaredChunkNames...)
	sort.Strings(names)
	uris := make([]string, 0, len(names))
	for _, name := range names {
		uris = append(uris, f.source.URI(unit+"/"+name))
	}
	return pipeline.UnitInput{
		ChunkURIs:    uris,
		MimeType:     f.config.MimeType,
		OutputPrefix: f.output.URI(structuredPrefix(unit)),
	}
}

// finalizeUnit writes the unit's extracted text and entities. res is nil on
// the batch path, where the outputs are collected from the operation's shard
// files instead. Conditional writes keep re-finalization idempotent.
func (f *OrchestratorFunction) finalizeUnit(ctx context.Context, unit string, res *pipeline.ParseResult) error {
	if res == nil {
		collected, err := collectBatchOutputs(ctx, f.output, unit)
		if err != nil {
			return err
		}
		res = collected
	}

	entities, err := json.Marshal(res.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities for unit %s: %w", unit, err)
	}
	if err := gcp.PutIfAbsent(ctx, f.output.Bucket(), reportTextKey(unit), []byte(res.Text)); err != nil {
		return err
	}
	if err := gcp.PutIfAbsent(ctx, f.output.Bucket(), reportEntitiesKey(unit), entities); err != nil {
		return err
	}
	slog.Info("Unit outputs finalized.", "unit", unit, "entityCount", len(res.Entities))
	return nil
}

// collectBatchOutputs merges the Document JSON shards the batch operation
// wrote under the unit's structured prefix, in shard order.
func collectBatchOutputs(ctx context.Context, output pipeline.ObjectStore, unit string) (*pipeline.ParseResult, error) {
	keys, err := output.List(ctx, structuredPrefix(unit))
	if err != nil {
		return nil, err
	}

	var shardKeys []string
	for _, key := range keys {
		rel := strings.TrimPrefix(key, structuredPrefix(unit))
		if strings.HasPrefix(rel, "chunks/") || strings.HasPrefix(rel, "embeddings/") {
			continue
		}
		if rel == "report_text.txt" || rel == "report_entities.json" {
			continue
		}
		if strings.HasSuffix(rel, ".json") {
			shardKeys = append(shardKeys, key)
		}
	}
	if len(shardKeys) == 0 {
		return nil, fmt.Errorf("no batch output shards found for unit %s", unit)
	}
	sort.Slice(shardKeys, func(i, j int) bool { return shardKeyLess(shardKeys[i], shardKeys[j]) })

	result := &pipeline.ParseResult{}
	unmarshal := protojson.UnmarshalOptions{DiscardUnknown: true}
	for _, key := range shardKeys {
		data, err := output.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var doc documentaipb.Document
		if err := unmarshal.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode batch shard %s: %w", key, err)
		}
		result.Text += doc.GetText()
		for _, ent := range doc.GetEntities() {
			result.Entities = append(result.Entities, pipeline.Entity{
				Text: ent.GetMentionText(),
				Type: ent.GetType(),
			})
		}
	}
	return result, nil
}

// shardKeyLess orders shard object names by their numeric path components.
// The processor names batch outputs with unpadded numbers
// ("<op>/2/chunk_000-2.json"), so plain lexicographic sorting puts shard 10
// before shard 2 once a unit has more than nine of anything.
func shardKeyLess(a, b string) bool {
	for a != "" && b != "" {
		if isASCIIDigit(a[0]) && isASCIIDigit(b[0]) {
			aRun, aRest := splitDigitRun(a)
			bRun, bRest := splitDigitRun(b)
			if c := compareDigitRuns(aRun, bRun); c != 0 {
				return c < 0
			}
			a, b = aRest, bRest
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isASCIIDigit(c byte) bool { return c >= '0' && c <= '9' }

func splitDigitRun(s string) (run, rest string) {
	i := 0
	for i < len(s) && isASCIIDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

// compareDigitRuns compares two digit strings numerically without parsing,
// so arbitrarily long runs cannot overflow.
func compareDigitRuns(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}

// recordTransition mirrors checkpoint transitions into the Firestore unit
// registry and hands succeeded units to the downstream workflow. Mirroring
// is best-effort: the checkpoint record is the source of truth.
func (f *OrchestratorFunction) recordTransition(ctx context.Context, unit string, rec *models.CheckpointRecord) {
	updates := []firestore.Update{
		{Path: "status", Value: rec.Status},
	}
	if rec.LastError != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: rec.LastError})
	}
	if _, err := f.firestoreClient.Collection(f.config.CollectionName).Doc(unit).Update(ctx, updates); err != nil {
		slog.Warn("Failed to mirror status to unit registry.", "unit", unit, "status", rec.Status, "error", err)
	}

	if rec.Status == models.StatusSuccess && f.executionsClient != nil {
		if err := f.triggerWorkflow(ctx, unit); err != nil {
			slog.Error("Failed to trigger post-success workflow.", "unit", unit, "error", err)
		}
	}
}

func (f *OrchestratorFunction) triggerWorkflow(ctx context.Context, unit string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"unit":         unit,
		"outputBucket": f.config.OutputBucket,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s",
			f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}
	if _, err := f.executionsClient.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	slog.Info("Hand-off to workflow complete.", "unit", unit, "workflowId", f.config.WorkflowID)
	return nil
}
