package planner

import (
	"fmt"

	"github.com/GabrielABSouza/Kumon-AI-recepcionist-sub002/internal/models"
)

const enhanceSystemPrompt = `Você é a recepcionista virtual de uma unidade Kumon no Brasil.
Responda em português, em tom acolhedor e profissional, com no máximo duas frases.
Esclareça a dúvida do responsável e conduza a conversa de volta à etapa atual do atendimento.
Nunca invente preços, horários ou promessas; quando não souber, ofereça encaminhar para a equipe da unidade.`

const (
	msgGenericFallback = "Desculpe, não consegui entender. Pode me explicar de outra forma?"

	msgFallbackLevel2 = "Ainda não consegui entender. Posso te ajudar com: informações sobre o método Kumon, valores, ou agendar uma visita à unidade. Qual desses você prefere?"

	msgEscalate = "Entendi, vou te conectar com alguém da nossa equipe agora mesmo. Um momento, por favor."
)

// stageEntryBodies returns the messages sent when the conversation advances
// into target. Some stages open with two messages on purpose; the delivery
// worker preserves the order.
func stageEntryBodies(target models.Stage, conv *models.Conversation) []plannedBody {
	childName := conv.CollectedSlots["child_name"]

	switch target {
	case models.StageGreeting:
		return []plannedBody{{
			templateID: "greeting_open",
			text:       "Olá! Que bom falar com você de novo. 😊 Como posso ajudar hoje?",
		}}
	case models.StageQualification:
		return []plannedBody{
			{
				templateID: "qualification_welcome",
				text:       "Olá! Seja bem-vindo ao Kumon. 😊 Sou a assistente virtual da unidade e vou te ajudar com todas as informações.",
			},
			{
				templateID: "qualification_ask_child",
				text:       "Para começar, me conta: qual o nome e a idade da criança que vai estudar com a gente?",
			},
		}
	case models.StageInformation:
		if childName != "" {
			return []plannedBody{{
				templateID: "information_open_named",
				text:       fmt.Sprintf("Perfeito! O método Kumon desenvolve a autonomia de estudo de %s no ritmo dela. Quer saber sobre as disciplinas, o funcionamento das aulas ou os valores?", childName),
			}}
		}
		return []plannedBody{{
			templateID: "information_open",
			text:       "Perfeito! O método Kumon desenvolve a autonomia de estudo no ritmo de cada aluno. Quer saber sobre as disciplinas, o funcionamento das aulas ou os valores?",
		}}
	case models.StageScheduling:
		return []plannedBody{{
			templateID: "scheduling_open",
			text:       "Que tal conhecer a unidade pessoalmente? Temos horários de segunda a sexta, das 9h às 18h. Qual dia e horário ficam melhores para você?",
		}}
	case models.StageConfirmation:
		day := conv.CollectedSlots["preferred_day"]
		hour := conv.CollectedSlots["preferred_time"]
		if day != "" && hour != "" {
			return []plannedBody{{
				templateID: "confirmation_ask_named",
				text:       fmt.Sprintf("Anotei aqui: visita %s às %s. Posso confirmar?", day, hour),
			}}
		}
		return []plannedBody{{
			templateID: "confirmation_ask",
			text:       "Anotei seu horário aqui. Posso confirmar a visita?",
		}}
	case models.StageCompleted:
		return []plannedBody{
			{
				templateID: "completed_confirm",
				text:       "Visita confirmada! 🎉 Vamos te esperar na unidade.",
			},
			{
				templateID: "completed_close",
				text:       "Qualquer dúvida até lá, é só mandar mensagem por aqui. Até breve!",
			},
		}
	default:
		return nil
	}
}

// fallbackLevel1Message re-asks the current stage's question in simpler terms.
func fallbackLevel1Message(stage models.Stage) string {
	switch stage {
	case models.StageGreeting:
		return "Oi! Não entendi muito bem. Você quer informações sobre o Kumon para alguma criança?"
	case models.StageQualification:
		return "Desculpe, não captei. Pode me dizer o nome e a idade da criança?"
	case models.StageInformation:
		return "Não tenho certeza se entendi. Você quer saber sobre as disciplinas, o funcionamento das aulas ou os valores?"
	case models.StageScheduling:
		return "Não consegui entender o horário. Pode me dizer o dia da semana e a hora que prefere para a visita?"
	case models.StageConfirmation:
		return "Só para garantir: posso confirmar a visita nesse horário? Responda sim ou não, por favor."
	case models.StageCompleted:
		return "Sua visita já está confirmada. Quer remarcar ou tirar alguma dúvida?"
	default:
		return msgGenericFallback
	}
}
