package app

const (
	Name           = "surveylink"
	SourceURL      = "https://git.skobk.in/skobkin/surveylink"
	ConfigFilename = "config.json"
	LogFilename    = "app.log"
)
