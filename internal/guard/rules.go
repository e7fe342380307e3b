package guard

import (
	"regexp"
	"strings"

	"github.com/atendai/atendai/internal/convo"
)

// botContentPatterns are message signatures that clearly come from
// another bot rather than a customer typing. Matched against the
// lowercased content. Portuguese first, the deployed channels are
// mostly Brazilian storefronts.
var botContentPatterns = []*regexp.Regexp{
	// Command prefixes
	regexp.MustCompile(`^/\w+`),
	regexp.MustCompile(`^!\w+`),
	// Canned system errors
	regexp.MustCompile(`erro interno|falha no sistema|sistema indispon[ií]vel`),
	regexp.MustCompile(`manuten[cç][aã]o programada|servi[cç]o temporariamente indispon[ií]vel`),
	// IVR-style menus
	regexp.MustCompile(`^(digite|pressione) \d+ para`),
	regexp.MustCompile(`^menu principal:`),
	regexp.MustCompile(`^op[cç][oõ]es dispon[ií]veis:`),
	// Self-identified auto-replies
	regexp.MustCompile(`^mensagem autom[aá]tica:`),
	regexp.MustCompile(`^resposta autom[aá]tica:`),
	regexp.MustCompile(`^este [eé] um bot`),
	regexp.MustCompile(`^sou um bot`),
	// Robot emoji
	regexp.MustCompile(`🤖`),
}

// botNameMarkers are display names only bots use. Kept to the blatant
// cases so a customer named "Roberto" never trips it.
var botNameMarkers = []string{
	"chatbot",
	"bot oficial",
	"assistente virtual",
	"sistema automático",
	"sistema automatico",
}

// matchBotMessage flags events from bot-only JIDs plus anything whose
// content or display name carries an obvious bot signature.
func (c *Classifier) matchBotMessage(ev convo.InboundEvent) bool {
	if ev.FromBot {
		return true
	}
	content := strings.ToLower(ev.Content)
	for _, p := range botContentPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	name := strings.ToLower(ev.PushName)
	if name == "" {
		return false
	}
	for _, marker := range botNameMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// automatedSenderPatterns identify accounts that are services, not
// people: no-reply senders, system/admin prefixes, API gateways, and
// abnormally long numeric ids. Matched against the lowercased display
// name and remote address.
var automatedSenderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`whatsapp.*business.*api`),
	regexp.MustCompile(`business.*account.*api`),
	regexp.MustCompile(`no.*reply`),
	regexp.MustCompile(`automated.*response`),
	regexp.MustCompile(`automatic.*message`),
	regexp.MustCompile(`^\+\d{12,}$`),
	regexp.MustCompile(`^\d{8,}.*\d{8,}$`),
	regexp.MustCompile(`^(admin|system|bot|auto|service)[\s\-_]`),
	regexp.MustCompile(`^(api|webhook|notification)`),
	regexp.MustCompile(`^(atendimento|suporte|vendas)[\s\-_]?(auto|bot|sistema)`),
}

func (c *Classifier) matchAutomatedService(ev convo.InboundEvent) bool {
	name := strings.ToLower(ev.PushName)
	addr := strings.ToLower(ev.Key.Address)
	for _, p := range automatedSenderPatterns {
		if p.MatchString(addr) {
			return true
		}
		if name != "" && p.MatchString(name) {
			return true
		}
	}
	return false
}
