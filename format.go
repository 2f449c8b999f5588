package dipstick

import (
	"io"
	"strconv"
)

// LineOp is one step in the execution of an output template.
type LineOp struct {
	op    lineOpCode
	bytes []byte
	scale float64
	key   string
	label []LabelOp
}

type lineOpCode uint8

const (
	opLiteral lineOpCode = iota
	opValueAsText
	opScaledValueAsText
	opNewLine
	opLabelExists
)

// OpLiteral prints a string.
func OpLiteral(text string) LineOp {
	return LineOp{op: opLiteral, bytes: []byte(text)}
}

// OpValueAsText prints the metric value as text.
func OpValueAsText() LineOp {
	return LineOp{op: opValueAsText}
}

// OpScaledValueAsText prints the metric value divided by the given scale, as text.
func OpScaledValueAsText(scale float64) LineOp {
	return LineOp{op: opScaledValueAsText, scale: scale}
}

// OpNewLine prints the newline character.
func OpNewLine() LineOp {
	return LineOp{op: opNewLine}
}

// OpLabelExists executes the label ops if a value exists for the label key.
func OpLabelExists(key string, ops ...LabelOp) LineOp {
	return LineOp{op: opLabelExists, key: key, label: ops}
}

// LabelOp is one step in the printing of a label.
type LabelOp struct {
	op    labelOpCode
	bytes []byte
}

type labelOpCode uint8

const (
	labelOpLiteral labelOpCode = iota
	labelOpKey
	labelOpValue
)

// LabelOpLiteral prints a string.
func LabelOpLiteral(text string) LabelOp {
	return LabelOp{op: labelOpLiteral, bytes: []byte(text)}
}

// LabelOpKey prints the label key.
func LabelOpKey() LabelOp {
	return LabelOp{op: labelOpKey}
}

// LabelOpValue prints the label value.
func LabelOpValue() LabelOp {
	return LabelOp{op: labelOpValue}
}

// LineTemplate is a sequence of print commands embodying the output strategy
// for a single metric. Templates are built once at metric definition time and
// executed on every write.
type LineTemplate struct {
	ops []LineOp
}

// TemplateOf assembles ops into a template.
func TemplateOf(ops ...LineOp) LineTemplate {
	return LineTemplate{ops: ops}
}

// Print executes the template's commands in turn, writing to the output.
// Label values are resolved through the lookup function.
func (t LineTemplate) Print(output io.Writer, value MetricValue, lookup func(key string) (string, bool)) error {
	for _, cmd := range t.ops {
		var err error
		switch cmd.op {
		case opLiteral:
			_, err = output.Write(cmd.bytes)
		case opValueAsText:
			_, err = io.WriteString(output, strconv.FormatInt(value, 10))
		case opScaledValueAsText:
			scaled := float64(value) / cmd.scale
			_, err = io.WriteString(output, strconv.FormatFloat(scaled, 'f', -1, 64))
		case opNewLine:
			_, err = io.WriteString(output, "\n")
		case opLabelExists:
			labelValue, ok := lookup(cmd.key)
			if !ok {
				continue
			}
			for _, labelCmd := range cmd.label {
				switch labelCmd.op {
				case labelOpLiteral:
					_, err = output.Write(labelCmd.bytes)
				case labelOpKey:
					_, err = io.WriteString(output, cmd.key)
				case labelOpValue:
					_, err = io.WriteString(output, labelValue)
				}
				if err != nil {
					return err
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// LineFormat forges metric-specific printers for text-like outputs.
type LineFormat interface {
	// Template prepares a template for output of the metric's values.
	Template(name MetricName, kind InputKind) LineTemplate
}

// SimpleFormat is the default metric output format, "{name} {value}\n".
type SimpleFormat struct {
	// Separator joins the name parts; "." when empty.
	Separator string
}

// Template renders "{name} {value}\n" for any metric.
func (f SimpleFormat) Template(name MetricName, _ InputKind) LineTemplate {
	separator := f.Separator
	if separator == "" {
		separator = "."
	}
	return TemplateOf(
		OpLiteral(name.Join(separator)+" "),
		OpValueAsText(),
		OpNewLine(),
	)
}
