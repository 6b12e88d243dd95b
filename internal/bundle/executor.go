package bundle

// Executor runs loader fetch tasks asynchronously.
type Executor interface {
	Go(fn func())
}

// GoExecutor runs each task on a new goroutine.
type GoExecutor struct{}

func (GoExecutor) Go(fn func()) { go fn() }
