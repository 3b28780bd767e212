package patterns

import "regexp"

// AttackType names a family of attack signatures.
type AttackType string

const (
	InstructionOverride  AttackType = "instruction_override"
	Jailbreak            AttackType = "jailbreak"
	RolePlayManipulation AttackType = "role_play_manipulation"
	SystemPromptLeak     AttackType = "system_prompt_leak"
	DelimiterInjection   AttackType = "delimiter_injection"
	EncodingObfuscation  AttackType = "encoding_obfuscation"
)

type pattern struct {
	id string
	re *regexp.Regexp
}

type group struct {
	attack     AttackType
	confidence float64
	patterns   []pattern
}

// Pre-compiled groups, evaluated in this order. The order decides which
// attack type is reported first when several groups match.
var builtinGroups = []group{
	{
		attack:     InstructionOverride,
		confidence: 0.95,
		patterns: []pattern{
			{"instruction_override.ignore_previous", regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|commands?)`)},
			{"instruction_override.disregard_previous", regexp.MustCompile(`(?i)\bdisregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`)},
			{"instruction_override.forget_previous", regexp.MustCompile(`(?i)\bforget\s+(all\s+)?(previous|prior|earlier)\s+(instructions?|prompts?)`)},
			{"instruction_override.new_instructions", regexp.MustCompile(`(?i)\bnew\s+(instructions?|task|prompt):\s*`)},
			{"instruction_override.actual_instructions", regexp.MustCompile(`(?i)\bactual\s+(instructions?|task)\s+(is|are):`)},
			{"instruction_override.instead_do", regexp.MustCompile(`(?i)\binstead,?\s+(do|say|write|tell|respond)\b`)},
		},
	},
	{
		attack:     Jailbreak,
		confidence: 0.98,
		patterns: []pattern{
			{"jailbreak.dan", regexp.MustCompile(`(?i)\byou\s+are\s+(now\s+)?DAN\b`)},
			{"jailbreak.do_anything_now", regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`)},
			{"jailbreak.developer_mode", regexp.MustCompile(`(?i)\bdeveloper\s+mode\b`)},
			{"jailbreak.keyword", regexp.MustCompile(`(?i)\bjailbreak\b`)},
			{"jailbreak.pretend_unrestricted", regexp.MustCompile(`(?i)\bpretend\s+(you|to)\s+(are|be)\s+(not\s+)?(bound|restricted|limited)`)},
			{"jailbreak.ignore_guidelines", regexp.MustCompile(`(?i)\bignore\s+(your|all)\s+(programming|guidelines|restrictions|rules|ethics)`)},
		},
	},
	{
		attack:     RolePlayManipulation,
		confidence: 0.75,
		patterns: []pattern{
			{"role_play.game", regexp.MustCompile(`(?i)\blet['’]?s\s+play\s+a\s+game\b`)},
			{"role_play.pretend_persona", regexp.MustCompile(`(?i)\bpretend\s+(you|to\s+be)\s+(a|an)\s+\w+\s+(that|who)\b`)},
			{"role_play.roleplay_as", regexp.MustCompile(`(?i)\brole[-\s]?play\s+as\b`)},
			{"role_play.from_now_on", regexp.MustCompile(`(?i)\bfrom\s+now\s+on,?\s+you\s+(are|will\s+be)\b`)},
		},
	},
	{
		attack:     SystemPromptLeak,
		confidence: 0.90,
		patterns: []pattern{
			{"system_prompt_leak.what_is", regexp.MustCompile(`(?i)\bwhat\s+(is|are|were)\s+(your|the)\s+(system\s+)?(prompt|instructions?|guidelines?)\b`)},
			{"system_prompt_leak.show_me", regexp.MustCompile(`(?i)\bshow\s+me\s+(your|the)\s+(system\s+)?(prompt|instructions?)\b`)},
			{"system_prompt_leak.repeat", regexp.MustCompile(`(?i)\brepeat\s+(your|the)\s+(system\s+)?(prompt|instructions?|message)\b`)},
			{"system_prompt_leak.tell_me", regexp.MustCompile(`(?i)\btell\s+me\s+(your|the)\s+(system\s+)?(prompt|instructions?)\b`)},
			{"system_prompt_leak.print", regexp.MustCompile(`(?i)\bprint\s+(your|the)\s+(system\s+)?(prompt|instructions?)\b`)},
		},
	},
	{
		attack:     DelimiterInjection,
		confidence: 0.60,
		patterns: []pattern{
			{"delimiter.hashes", regexp.MustCompile(`#{3,}`)},
			{"delimiter.equals", regexp.MustCompile(`={5,}`)},
			{"delimiter.dashes", regexp.MustCompile(`-{5,}`)},
			{"delimiter.brackets", regexp.MustCompile(`\[{2,}|\]{2,}`)},
			{"delimiter.system_tag", regexp.MustCompile(`(?i)</?system>`)},
			{"delimiter.assistant_tag", regexp.MustCompile(`(?i)</?assistant>`)},
			{"delimiter.user_tag", regexp.MustCompile(`(?i)</?user>`)},
		},
	},
	{
		attack:     EncodingObfuscation,
		confidence: 0.50,
		patterns: []pattern{
			{"encoding.unicode_escape", regexp.MustCompile(`(?i)\\u[0-9a-f]{4}`)},
			{"encoding.percent_escape", regexp.MustCompile(`(?i)%[0-9a-f]{2}`)},
			{"encoding.html_entity", regexp.MustCompile(`&#\d+;`)},
		},
	},
}
