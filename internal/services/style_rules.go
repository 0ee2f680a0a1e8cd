// internal/services/style_rules.go
package services

import "strings"

// 风格硬规则与启发式词表
// 提示词组装和响应校验共用同一份清单，保证"禁止什么"与"检查什么"一致

// bannedOpeners 禁用的开场词
var bannedOpeners = []string{
	"Well,",
	"So,",
	"Ah,",
	"Hmm,",
	"Look,",
	"Listen,",
	"Oh,",
	"Now,",
}

// clichePhrases 禁用的陈词滥调句式
var clichePhrases = []string{
	"as you know",
	"little did they know",
	"needless to say",
	"at the end of the day",
	"it goes without saying",
	"only time will tell",
	"time will tell",
	"all of a sudden",
	"in the nick of time",
}

// emotionLexicon 情绪指示词 -> 情绪走向
var emotionLexicon = map[string]string{
	"furious":    "hostile",
	"angry":      "hostile",
	"rage":       "hostile",
	"snapped":    "hostile",
	"snarled":    "hostile",
	"afraid":     "fearful",
	"terrified":  "fearful",
	"trembling":  "fearful",
	"dread":      "fearful",
	"delighted":  "warm",
	"smiled":     "warm",
	"laughed":    "warm",
	"grateful":   "warm",
	"relieved":   "warm",
	"grief":      "somber",
	"mourn":      "somber",
	"tears":      "somber",
	"wept":       "somber",
	"suspicious": "tense",
	"wary":       "tense",
	"nervous":    "tense",
	"uneasy":     "tense",
	"hesitated":  "tense",
}

// developmentIndicators 角色成长指示词
var developmentIndicators = []string{
	"realize",
	"understand",
	"trust",
	"learned",
	"changed",
	"admit",
	"confess",
	"forgive",
	"remember",
	"believe",
}

// thematicKeywords 主题关键词，主题标签缺失时的退路
var thematicKeywords = []string{
	"betrayal",
	"redemption",
	"sacrifice",
	"loyalty",
	"revenge",
	"destiny",
	"honor",
	"freedom",
	"duty",
}

// hasBannedOpener 检查文本是否以禁用开场词开头
func hasBannedOpener(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, opener := range bannedOpeners {
		if strings.HasPrefix(trimmed, opener) {
			return opener, true
		}
	}
	return "", false
}

// findCliche 检查文本是否含有陈词滥调句式
func findCliche(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range clichePhrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
