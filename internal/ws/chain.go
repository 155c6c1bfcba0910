package ws

import "context"

// Stage 是拦截链上的一步：可以读取或补充 in，返回错误时整条链立即中止。
type Stage[T any] func(ctx context.Context, in T) error

// Chain 按顺序执行各个 Stage。
type Chain[T any] []Stage[T]

func (ch Chain[T]) Run(ctx context.Context, in T) error {
	for _, st := range ch {
		if err := st(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// Then 返回追加了 stages 的新链，原链不受影响。
func (ch Chain[T]) Then(stages ...Stage[T]) Chain[T] {
	out := make(Chain[T], 0, len(ch)+len(stages))
	out = append(out, ch...)
	return append(out, stages...)
}
