package benchmark

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"zkbenchmarker/config"
	"zkbenchmarker/namespace"
)

// progressEvery is how many nodes a worker process handles between progress messages.
const progressEvery = 100

// Spawner builds the command for one worker process. The command must run ServeChunk
// on its stdin and stdout.
type Spawner func(ctx context.Context) *exec.Cmd

// SelfSpawner re-executes the running binary with args.
func SelfSpawner(args ...string) (Spawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locate own executable")
	}
	return func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, exe, args...)
	}, nil
}

// ChunkTask is everything a worker process needs; nothing else is shared with it.
type ChunkTask struct {
	Run          string                 `json:"run"`
	Parent       string                 `json:"parent"`
	Namespace    config.NamespaceConfig `json:"namespace"`
	Chunk        ChunkSpec              `json:"chunk"`
	RateLimit    float64                `json:"rateLimit,omitempty"`
	WriteRetries uint                   `json:"writeRetries,omitempty"`
}

type workerMessage struct {
	Type   string        `json:"type"` // "progress" or "result"
	Nodes  int           `json:"nodes,omitempty"`
	Result *chunkOutcome `json:"result,omitempty"`
}

type chunkOutcome struct {
	ID         int           `json:"id"`
	Count      int           `json:"count"`
	Created    int           `json:"created"`
	Existing   int           `json:"existing"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
	Connection bool          `json:"connection,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func outcomeOf(r ChunkResult) *chunkOutcome {
	o := &chunkOutcome{
		ID:       r.ID,
		Count:    r.Count,
		Created:  r.Created,
		Existing: r.Existing,
		Failed:   r.Failed,
		Duration: r.Duration,
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
		o.Connection = namespace.IsConnectionError(r.Err)
	}
	return o
}

func (o *chunkOutcome) result() ChunkResult {
	r := ChunkResult{
		ID:       o.ID,
		Count:    o.Count,
		Created:  o.Created,
		Existing: o.Existing,
		Failed:   o.Failed,
		Duration: o.Duration,
	}
	switch {
	case o.Connection:
		r.Err = errors.Wrap(namespace.ErrConnection, o.Error)
	case o.Error != "":
		r.Err = errors.New(o.Error)
	}
	return r
}

// ProcessExecutor runs every chunk in its own worker process with its own session.
// At most Parallelism workers are alive at once.
type ProcessExecutor struct {
	namespace config.NamespaceConfig
	loader    config.LoaderConfig
	spawn     Spawner
	stderr    io.Writer
	log       *log.Entry
}

func (e *ProcessExecutor) Strategy() string { return StrategyProcesses }

func (e *ProcessExecutor) Load(ctx context.Context, req LoadRequest) *LoadResult {
	start := time.Now()
	chunks := ChunkSpecs(req.Spec, e.loader.ChunkSize)
	res := newLoadResult(req, StrategyProcesses, len(chunks))
	e.log.WithField("run", req.Run).Infof("Using multi processing data loader: %d chunks, %d processes", len(chunks), e.loader.Parallelism)

	progress := req.Progress
	if progress == nil {
		progress = noProgress
	}
	// Each worker gets an equal share of the run's rate budget.
	perWorkerRate := float64(e.loader.RateLimit) / float64(e.loader.Parallelism)

	var g errgroup.Group
	g.SetLimit(e.loader.Parallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			task := ChunkTask{
				Run:          req.Run,
				Parent:       req.Parent,
				Namespace:    e.namespace,
				Chunk:        chunk,
				RateLimit:    perWorkerRate,
				WriteRetries: e.loader.WriteRetries,
			}
			res.Chunks[i] = e.runWorker(ctx, task, progress)
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	reportChunks(e.log, res)
	return res
}

func (e *ProcessExecutor) runWorker(ctx context.Context, task ChunkTask, progress func(int)) ChunkResult {
	start := time.Now()
	failed := func(err error) ChunkResult {
		return ChunkResult{ID: task.Chunk.ID, Count: task.Chunk.Count, Failed: task.Chunk.Count, Err: err, Duration: time.Since(start)}
	}

	input, err := json.Marshal(task)
	if err != nil {
		return failed(errors.Wrap(err, "encode chunk task"))
	}
	cmd := e.spawn(ctx)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stderr = e.stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(errors.Wrap(err, "worker stdout"))
	}
	if err := cmd.Start(); err != nil {
		return failed(errors.Wrap(err, "start worker process"))
	}

	var outcome *chunkOutcome
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var msg workerMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			e.log.WithFields(log.Fields{"run": task.Run, "chunk": task.Chunk.ID}).Debugf("worker output: %s", scanner.Text())
			continue
		}
		switch msg.Type {
		case "progress":
			progress(msg.Nodes)
		case "result":
			outcome = msg.Result
		}
	}
	waitErr := cmd.Wait()

	if outcome == nil {
		if waitErr == nil {
			waitErr = errors.New("no result reported")
		}
		return failed(errors.Wrapf(waitErr, "worker process for chunk %d", task.Chunk.ID))
	}
	return outcome.result()
}

// ServeChunk is the worker process side: it reads one ChunkTask from in, loads the chunk
// through its own session and writes progress and the final result to out as JSON
// lines. Chunk failures are part of the result; only protocol errors are returned.
func ServeChunk(ctx context.Context, in io.Reader, out io.Writer) error {
	var task ChunkTask
	if err := json.NewDecoder(in).Decode(&task); err != nil {
		return errors.Wrap(err, "decode chunk task")
	}
	connector, err := namespace.NewConnector(task.Namespace)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	pending := 0
	flush := func() {
		if pending > 0 {
			_ = enc.Encode(workerMessage{Type: "progress", Nodes: pending})
			pending = 0
		}
	}

	w := &chunkWorker{
		run:       task.Run,
		parent:    task.Parent,
		chunk:     task.Chunk,
		retries:   task.WriteRetries,
		connector: connector,
		limiter:   newLimiter(task.RateLimit),
		progress: func(n int) {
			pending += n
			if pending >= progressEvery {
				flush()
			}
		},
		log: log.WithField("pid", os.Getpid()),
	}
	res := w.load(ctx)
	flush()
	return errors.Wrap(enc.Encode(workerMessage{Type: "result", Result: outcomeOf(res)}), "write chunk result")
}
