package safety

var responseTemplates = map[Category]string{
	CategorySelfHarm: "I'm really glad you told me how you're feeling. You matter, and you don't have to go through this alone. " +
		"Please talk to a grown-up you trust right now, like a parent, teacher or school counselor. " +
		"If you might hurt yourself, call or text 988 to reach the crisis lifeline, or call your local emergency number. " +
		"I've let your guardian know so they can help you.",
	CategoryDangerousBehavior: "That sounds like something that could put you in danger, so I can't help with it. " +
		"Your safety is really important. Please talk with a parent or another trusted adult about this. " +
		"Is there something else you'd like to chat about?",
	CategoryBlockedKeyword: "That's a topic your family has asked me not to talk about. " +
		"If it's on your mind, a parent or trusted adult is the best person to ask. " +
		"Want to talk about something else instead?",
	CategoryInappropriateContent: "That's not something I can chat about with you. " +
		"A parent or trusted adult would be a great person to ask about it. " +
		"How about we talk about school, hobbies or something you're curious about?",
}

// ResponseFor returns the fixed reply used in place of generated text when a
// message is flagged. Unknown categories get the generic template.
func ResponseFor(c Category) string {
	if t, ok := responseTemplates[c]; ok {
		return t
	}
	return responseTemplates[CategoryInappropriateContent]
}
