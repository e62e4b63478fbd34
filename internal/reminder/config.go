package reminder

import "time"

// Config tunes the reminder scheduler. Schedule maps escalation level to the
// number of whole days an invoice must be overdue before that level fires.
type Config struct {
	Schedule    map[int]int
	BatchSize   int
	RunInterval time.Duration
}

func defaultSchedule() map[int]int {
	return map[int]int{
		1: 3,
		2: 7,
		3: 14,
		4: 30,
	}
}

func (c Config) withDefaults() Config {
	if len(c.Schedule) == 0 {
		c.Schedule = defaultSchedule()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RunInterval <= 0 {
		c.RunInterval = time.Hour
	}
	return c
}

func (c Config) maxLevel() int {
	max := 0
	for level := range c.Schedule {
		if level > max {
			max = level
		}
	}
	return max
}
