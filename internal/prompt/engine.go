package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"github.com/mikey/llm-mail-sorter/internal/core"
)

// TemplateVersion feeds the cache fingerprint so that a template change
// invalidates cached decisions for affected inputs.
const TemplateVersion = "v2"

// SupportedLanguages are the ISO-639-1 codes with dedicated templates.
var SupportedLanguages = map[string]bool{
	"en": true, "fr": true, "de": true, "es": true, "it": true, "pt": true,
}

// System prompts fix three instructions: choose exactly one name from
// the provided list, emit a JSON object with fields folder and
// confidence, never output prose outside that object.
var systemTemplates = map[string]string{
	"en": `You are an email classification assistant.
You MUST respond with valid JSON only. Format:
{"folder": "exact_folder_name", "confidence": 0.85}

Rules:
1. "folder" MUST be exactly one name from the provided folder list
2. "confidence" is a number between 0.0 (uncertain) and 1.0 (certain)
3. Never output any text outside the JSON object`,

	"fr": `Vous êtes un assistant de classification d'emails.
Vous DEVEZ répondre uniquement avec du JSON valide. Format:
{"folder": "nom_exact_du_dossier", "confidence": 0.85}

Règles:
1. "folder" DOIT être exactement l'un des noms de dossiers fournis
2. "confidence" est un nombre entre 0.0 (incertain) et 1.0 (certain)
3. Ne produisez aucun texte en dehors de l'objet JSON`,

	"de": `Sie sind ein Assistent für die E-Mail-Klassifizierung.
Sie MÜSSEN nur mit gültigem JSON antworten. Format:
{"folder": "exakter_ordnername", "confidence": 0.85}

Regeln:
1. "folder" MUSS genau einer der angegebenen Ordnernamen sein
2. "confidence" ist eine Zahl zwischen 0.0 (unsicher) und 1.0 (sicher)
3. Geben Sie keinen Text außerhalb des JSON-Objekts aus`,
}

// User templates expose exactly two substitution points: the candidate
// folder list (as a JSON array) and the sanitized input block.
var classifyTemplates = map[string]string{
	"en": `Classify this email into one of the available folders.

Available folders: %s

%s

Respond with JSON only.`,

	"fr": `Classez cet email dans l'un des dossiers disponibles.

Dossiers disponibles: %s

%s

Répondez uniquement en JSON.`,

	"de": `Klassifizieren Sie diese E-Mail in einen der verfügbaren Ordner.

Verfügbare Ordner: %s

%s

Antworten Sie nur mit JSON.`,
}

var headersOnlyTemplates = map[string]string{
	"en": `Classify this email into one of the available folders using only its headers.

Available folders: %s

%s

Respond with JSON only.`,

	"fr": `Classez cet email dans l'un des dossiers disponibles en utilisant uniquement ses en-têtes.

Dossiers disponibles: %s

%s

Répondez uniquement en JSON.`,
}

// Stopword markers for the best-effort language detector. Matched against
// the combined subject plus the first 200 characters of body.
var languageMarkers = map[string][]string{
	"fr": {" le ", " la ", " les ", " vous ", " nous ", " être ", " avec ", "bonjour", "merci", " très "},
	"de": {" der ", " die ", " das ", " und ", " nicht ", " sehr ", "guten", "danke", "bitte", " können "},
	"es": {" el ", " los ", " las ", " usted ", " gracias", "hola ", " muy ", " pero ", " está "},
	"it": {" il ", " gli ", " che ", " grazie", " sono ", " questo ", " molto "},
	"pt": {" o ", " os ", " obrigado", " você ", " não ", " muito ", " isso "},
}

// Engine renders classification prompts from the version-tagged template
// registry, selecting by (detected language, analysis mode).
type Engine struct {
	defaultLanguage string

	mu         sync.Mutex
	senderLang map[string]string // sender → detected language, for consistency
}

// NewEngine builds an engine. defaultLanguage must be a valid ISO-639-1
// code; invalid values fall back to English.
func NewEngine(defaultLanguage string) *Engine {
	if _, err := language.Parse(defaultLanguage); err != nil || !SupportedLanguages[defaultLanguage] {
		defaultLanguage = "en"
	}
	return &Engine{
		defaultLanguage: defaultLanguage,
		senderLang:      make(map[string]string),
	}
}

// DetectLanguage is best-effort detection over subject plus the first
// 200 characters of body, cached per sender so one correspondent always
// gets consistent prompts.
func (e *Engine) DetectLanguage(subject, body, sender string) string {
	if sender != "" {
		e.mu.Lock()
		if lang, ok := e.senderLang[sender]; ok {
			e.mu.Unlock()
			return lang
		}
		e.mu.Unlock()
	}

	lang := e.detect(subject, body)

	if sender != "" {
		e.mu.Lock()
		e.senderLang[sender] = lang
		e.mu.Unlock()
	}
	return lang
}

func (e *Engine) detect(subject, body string) string {
	runes := []rune(body)
	if len(runes) > 200 {
		runes = runes[:200]
	}
	sample := " " + strings.ToLower(subject+" "+string(runes)) + " "
	if len(sample) < 12 {
		return e.defaultLanguage
	}

	best, bestScore := e.defaultLanguage, 0
	for lang, markers := range languageMarkers {
		score := 0
		for _, m := range markers {
			score += strings.Count(sample, m)
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	if bestScore < 2 {
		return e.defaultLanguage
	}
	// Normalize through x/text so only real tags escape the detector.
	tag, err := language.Parse(best)
	if err != nil {
		return e.defaultLanguage
	}
	base, _ := tag.Base()
	return base.String()
}

// Render builds the prompt for one sanitized input. Folder names are
// rendered as a JSON array so the model sees unambiguous boundaries.
func (e *Engine) Render(in *core.SanitizedInput, folders []string, mode core.AnalysisMode) (*core.Prompt, error) {
	if len(folders) == 0 {
		return nil, fmt.Errorf("prompt: empty folder list")
	}

	lang := in.DetectedLanguage
	if !SupportedLanguages[lang] {
		lang = e.defaultLanguage
	}

	foldersJSON, err := json.Marshal(folders)
	if err != nil {
		return nil, fmt.Errorf("prompt: marshal folders: %w", err)
	}

	registry := classifyTemplates
	if mode == core.ModeHeadersOnly {
		registry = headersOnlyTemplates
	}
	tmpl, ok := registry[lang]
	if !ok {
		tmpl = registry["en"]
	}
	system, ok := systemTemplates[lang]
	if !ok {
		system = systemTemplates["en"]
	}

	return &core.Prompt{
		System:          system,
		User:            fmt.Sprintf(tmpl, foldersJSON, inputBlock(in, mode)),
		Language:        lang,
		TemplateVersion: TemplateVersion,
	}, nil
}

func inputBlock(in *core.SanitizedInput, mode core.AnalysisMode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", in.Sender)
	fmt.Fprintf(&b, "Subject: %s\n", in.Subject)
	if in.AttachmentHints != "" {
		fmt.Fprintf(&b, "Attachments: %s\n", in.AttachmentHints)
	}
	if mode != core.ModeHeadersOnly {
		body := in.Body
		if body == "" {
			body = "(no body)"
		}
		fmt.Fprintf(&b, "Body:\n%s", body)
	}
	return b.String()
}

// Version returns the template registry version.
func (e *Engine) Version() string { return TemplateVersion }

// CachedSenders returns the size of the language consistency cache.
func (e *Engine) CachedSenders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.senderLang)
}
