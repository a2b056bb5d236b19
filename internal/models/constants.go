package models

const (
	ParseModeMarkdown = "Markdown"
	ParseModeHTML     = "HTML"
)

const (
	// DateLayout формат даты слота
	DateLayout = "2006-01-02"
	// TimeLayout формат времени начала слота
	TimeLayout = "15:04"

	// DefaultTimezone часовой пояс библиотеки
	DefaultTimezone = "Europe/Rome"

	// DefaultPriority приоритет пользователя, отсутствующего в таблице приоритетов
	DefaultPriority = 2

	// RetryCeiling после превышения этого числа попыток заявка завершается
	RetryCeiling = 20

	// NotifyEvery частота уведомлений о неудачных попытках
	NotifyEvery = 11

	// DefaultConcurrency ширина пула воркеров
	DefaultConcurrency = 4

	// DefaultClaimLimit максимум заявок за один тик
	DefaultClaimLimit = 50
)
