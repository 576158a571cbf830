package deduction

import (
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/pablobfonseca/go-claim-triage/models"
)

// signals are the per-claim findings rendered into the system prompt. Empty
// fields are left out of the prompt.
type signals struct {
	Now              time.Time
	ClaimType        string
	ClaimReport      string
	Location         string
	Timestamp        string
	ImageDescription string
	InternetMatches  string
	LibraryMatches   string
	GeneratedImage   string
	Checks           []string
}

var systemTemplate = template.Must(template.New("system").Parse(`<instructions>
You are an insurance fraud detection agent in Australia.

Your job is to examine insurance claim reports, and determine if there is fraud. You are provided with a claim report.
A claim can be for motor vehicle accidents, theft of personal property and damage to items (e.g. electronics).
The claim report should have sufficient detail.
For example, the weather, the date, time and location it occurred, any witnesses, the angle items are dropped or the amount of force of collisions. Consider all details in the claim report. Make sure you take into account any information you have already been provided with in the claim report.
Provide step-by-step reasoning to make a deduction on whether there is fraud or not. Provide a score between 0% and 100% to indicate your confidence in the deduction.
Do not say you are making a deduction or summary, just provide the information. Do not mention you are providing the output in markdown format.

The current date and time is {{.Now.Format "02 Jan 2006 15:04:05"}}.
{{if .Location}}
{{.Location}}
{{end}}{{if .Timestamp}}
{{.Timestamp}}
{{end}}
The type of claim that the user lodged is {{.ClaimType}}.

<claim_report>{{.ClaimReport}}</claim_report>
{{if .ImageDescription}}
{{.ImageDescription}}
{{end}}{{if .InternetMatches}}
{{.InternetMatches}}
{{end}}{{if .LibraryMatches}}
{{.LibraryMatches}}
{{end}}{{if .GeneratedImage}}
{{.GeneratedImage}}
{{end}}
The <claim_report> and <image_description> tags enclose the relevant information.

To establish if there is fraud, perform these checks:
{{range .Checks}}
<check>{{.}}</check>
{{end}}
</instructions>
`))

var checks = []string{
	"For motor vehicle accidents, you can ask the speed at which the user was travelling at. Use the speed to cross reference against the damage in the provided image to see if it matches up. If the user was travelling very slowly, it should not have resulted in extensive damage to the vehicle.",
	"logical contradictions in the report (e.g. the car is a modern car but did not have seatbelt warning alarms)",
	"data mismatch (for example, if the claim report says a laptop was damaged, but there is no laptop in the image description)",
	"look for factual inaccuracies (for example, the user says the it was not a rainy day but the car skidded)",
	"look for inconsistences (for example when the user uploads images that do not match the story)",
	"unlikely events (for example, breaking a phone screen when dropping in water or sand)",
	"Impossible scenarios, (for example, a car breaking its windscreen when flying upside down)",
	"Ask the user about their claim history to see if there is a pattern of similar claims",
}

const userInstruction = `Produce the following output:
- A summary of the claim report
- A deduction of whether the claim is fraudulent or not. This can be "Not fraudulent", "Inconclusive" or "Fraudulent" with a detailed explanation of why you think so.

The output should be well-formatted in markdown format.
`

func renderSystem(s signals) (string, error) {
	s.Checks = checks
	var sb strings.Builder
	if err := systemTemplate.Execute(&sb, s); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return sb.String(), nil
}

func percent(v float64) string {
	return fmt.Sprintf("%g", math.Round(v*10000)/100)
}

func locationText(address string, lat, lon float64) string {
	place := address
	if place == "" {
		place = "an unknown address"
	}
	return fmt.Sprintf("The location specified in the EXIF data of the image uploaded is %s, which is at latitude %g and longitude %g. "+
		"If the claim report contains location information, use this to cross-reference the location in the image to check for discrepancies.",
		place, lat, lon)
}

func timestampText(ts time.Time) string {
	return fmt.Sprintf("Based on EXIF data, the uploaded image was taken on %s. "+
		"If the claim report contains the incident date and time information, use this to cross-reference the date and time in the image to check for discrepancies.",
		ts.Format("2006-01-02 15:04:05"))
}

func descriptionText(description string) string {
	return "You are provided a description of the image uploaded for the claim. Use the image description to cross reference against the claim report to check for discrepencies.\n" +
		"<image_description>" + description + "</image_description>"
}

func internetMatchesText(matches []models.ReverseSearchResult, threshold float64) string {
	if len(matches) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Similar images have been found on the internet that match the image uploaded by the user. "+
		"A similarity of more than %s%% shows possible usage of stock or internet photos, which indicate fraud:\n", percent(threshold))
	for _, m := range matches {
		score := 0.0
		if m.Score != nil {
			score = *m.Score
		}
		fmt.Fprintf(&sb, "<SimilarImage>Image source: %s, Similarity: %s, Image URL: %s</SimilarImage>\n", m.Source, percent(score), m.Link)
	}
	sb.WriteString("For each image, include at least one link in the deduction where the image can be found on the internet.")
	return sb.String()
}

func libraryMatchesText(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d similar image(s) have been found that match the image uploaded by the user. "+
		"This means that the image uploaded by the user is not unique and has been used before in previous insurance claims. This indicates fraud.", n)
}

func generatedImageText(v models.GeneratedImageVerdict) string {
	return fmt.Sprintf("The image uploaded has a %s%% confidence of being detected as a generated image. "+
		"This indicates that the image is not an original photo and has been manipulated. "+
		"This could be an attempt to deceive the insurance company and is a strong indicator of fraud.", percent(v.Confidence))
}
