package vivuchat

import "embed"

// TemplateFS contains the embedded HTML templates used to render exported chat transcripts.
//
//go:embed templates/*
var TemplateFS embed.FS
