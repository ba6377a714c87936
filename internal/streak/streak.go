// Package streak реализует машину состояний серии ежедневных коммитов.
package streak

import (
	"time"

	"github.com/gitbrew/gitbrew/internal/model"
)

// Day нормализует момент времени к календарному дню в UTC.
// Все сравнения границ дней выполняются в одном каноническом поясе.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Advance применяет событие активности за указанный день к состоянию пользователя
// и возвращает true, если состояние изменилось.
//
// Правила перехода:
//   - повторное событие за тот же день не меняет состояние;
//   - событие за день, предшествующий уже учтённому, игнорируется
//     (запоздавшие доставки не откатывают серию);
//   - событие ровно на следующий день продлевает серию на 1;
//   - разрыв в два и более дней, как и первое событие, начинает новую серию с 1;
//   - при достижении целевой длины серия обнуляется и выставляется флаг награды,
//     не более одного раза до следующего сброса флага.
func Advance(u *model.User, day time.Time, target int) bool {
	day = Day(day)

	switch {
	case u.LastActivityDate == nil:
		u.CurrentStreak = 1
	case day.Equal(*u.LastActivityDate):
		return false
	case day.Before(*u.LastActivityDate):
		return false
	case day.Equal(u.LastActivityDate.AddDate(0, 0, 1)):
		u.CurrentStreak++
	default:
		u.CurrentStreak = 1
	}

	if u.CurrentStreak > u.LongestStreak {
		u.LongestStreak = u.CurrentStreak
	}

	if target > 0 && u.CurrentStreak >= target && !u.RewardPending {
		u.RewardPending = true
		u.CurrentStreak = 0
	}

	u.LastActivityDate = &day
	return true
}
