package worker

import (
	"context"

	"nexuschat/internal/models"
	"nexuschat/internal/turn"
)

// TurnExecutor runs one conversational turn to completion.
type TurnExecutor interface {
	Run(ctx context.Context, req turn.TurnRequest) (*models.Message, error)
}

type jobResult struct {
	message *models.Message
	err     error
}

// Job is one queued turn. resultCh is buffered so a worker never blocks on a
// caller that gave up.
type Job struct {
	ctx      context.Context
	req      turn.TurnRequest
	resultCh chan jobResult
}

// stopJob tells an idle worker to exit.
var stopJob = Job{}

func (j Job) isStop() bool {
	return j.resultCh == nil
}
