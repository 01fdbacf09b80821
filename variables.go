/*
Copyright 2025 ClinicFlow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/clinicflow/relay/model"
)

// VariableContext carries the records a message template may reference.
type VariableContext struct {
	Patient     *model.Patient
	Appointment *model.Appointment
	Checkout    *model.MedicalCheckout
	Now         time.Time
}

// ReplaceVariables substitutes {placeholder} tokens in a message template
// with values from the context. Unknown placeholders are left as-is; known
// placeholders with no data fall back to a readable default rather than an
// empty string.
func ReplaceVariables(template string, vars VariableContext) string {
	if template == "" {
		return ""
	}
	now := vars.Now
	if now.IsZero() {
		now = time.Now()
	}

	replacements := map[string]string{
		"nome_paciente":   "Paciente",
		"telefone":        "Telefone não informado",
		"idade":           "idade não informada",
		"idade_meses":     "0",
		"data_nascimento": "Data não informada",
		"data_consulta":   "Data não informada",
		"hora_consulta":   "Hora não informada",
		"data_retorno":    "Data não informada",
	}

	if p := vars.Patient; p != nil {
		if p.Name != "" {
			replacements["nome_paciente"] = p.Name
		}
		if p.Phone != "" {
			replacements["telefone"] = p.Phone
		}
		if p.BirthDate != nil {
			replacements["idade"] = formatAge(*p.BirthDate, now)
			replacements["idade_meses"] = fmt.Sprintf("%d", monthsBetween(*p.BirthDate, now))
			replacements["data_nascimento"] = p.BirthDate.Format("02/01/2006")
		}
	}

	if a := vars.Appointment; a != nil {
		replacements["data_consulta"] = a.StartTime.Format("02/01/2006")
		replacements["hora_consulta"] = a.StartTime.Format("15:04")
	}

	if c := vars.Checkout; c != nil && c.ReturnDate != nil {
		replacements["data_retorno"] = c.ReturnDate.Format("02/01/2006")
	}

	result := template
	for key, value := range replacements {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}
	return result
}

// monthsBetween counts whole calendar months from birth to now.
func monthsBetween(birth, now time.Time) int {
	if now.Before(birth) {
		return 0
	}
	months := (now.Year()-birth.Year())*12 + int(now.Month()) - int(birth.Month())
	if now.Day() < birth.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// formatAge renders an age the way the clinic writes it: days under one
// month, months under one year, then years and months.
func formatAge(birth, now time.Time) string {
	months := monthsBetween(birth, now)

	if months == 0 {
		days := int(now.Sub(birth).Hours() / 24)
		if days == 1 {
			return "1 dia"
		}
		return fmt.Sprintf("%d dias", days)
	}

	if months < 12 {
		if months == 1 {
			return "1 mês"
		}
		return fmt.Sprintf("%d meses", months)
	}

	years := months / 12
	remaining := months % 12
	yearPart := fmt.Sprintf("%d anos", years)
	if years == 1 {
		yearPart = "1 ano"
	}
	if remaining == 0 {
		return yearPart
	}
	monthPart := fmt.Sprintf("%d meses", remaining)
	if remaining == 1 {
		monthPart = "1 mês"
	}
	return yearPart + " e " + monthPart
}
