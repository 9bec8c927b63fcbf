package clock

import "time"

// Clock 时间源抽象
// 过期判定和月初边界都依赖当前时间，测试里需要可控时间源
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// New 返回系统时钟
func New() Clock {
	return realClock{}
}
