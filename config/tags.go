package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TagsFile is the sidecar tags document, hot-reloadable at runtime.
type TagsFile struct {
	Fallback string     `yaml:"fallback"`
	Tables   []TagTable `yaml:"tables"`
}

// LoadTagsFile parses a tags YAML sidecar.
func LoadTagsFile(path string) (*TagsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tags file: %w", err)
	}
	var tf TagsFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse tags file %s: %w", path, err)
	}
	if len(tf.Tables) == 0 {
		return nil, fmt.Errorf("tags file %s declares no tables", path)
	}
	for i, tbl := range tf.Tables {
		if tbl.Tag == "" {
			return nil, fmt.Errorf("tags file %s: tables[%d] missing tag name", path, i)
		}
	}
	return &tf, nil
}

// DefaultTagTables returns the built-in Brazilian legal topic tables. Order
// matters: earlier tables win inference ties.
func DefaultTagTables() []TagTable {
	return []TagTable{
		{Tag: "contratos_imobiliarios", Keywords: []string{
			"imóvel", "casa", "apartamento", "aluguel", "locação",
			"compra", "venda", "propriedade", "terreno", "edificação",
			"habitação", "residencial", "comercial", "iptu",
		}},
		{Tag: "litigios_tributarios", Keywords: []string{
			"imposto", "tributo", "fisco", "receita", "icms", "ipi",
			"irpf", "irpj", "iss", "cofins", "pis", "csll",
			"autuação", "multa", "sonegação", "elisão",
		}},
		{Tag: "direito_trabalhista", Keywords: []string{
			"trabalho", "empregado", "empregador", "salário", "férias",
			"rescisão", "clt", "sindicato", "greve", "fgts",
			"inss", "acidente", "doença", "jornada", "hora extra",
		}},
		{Tag: "direito_civil", Keywords: []string{
			"civil", "família", "divórcio", "sucessão", "herança",
			"responsabilidade", "dano", "contrato", "obrigação",
			"propriedade", "posse", "usufruto", "servidão",
		}},
		{Tag: "direito_penal", Keywords: []string{
			"crime", "penal", "processo", "denúncia", "prisão",
			"sentença", "pena", "delito", "furto", "roubo",
			"homicídio", "lesão", "estelionato", "tráfico",
		}},
		{Tag: "direito_empresarial", Keywords: []string{
			"empresa", "societário", "sociedade", "negócio", "comercial",
			"cnpj", "falência", "recuperação", "sócio", "quotas",
			"ações", "mercado", "concorrência", "marca", "patente",
		}},
		{Tag: "direito_administrativo", Keywords: []string{
			"administrativo", "público", "licitação", "concurso",
			"servidor", "autarquia", "fundação", "agência",
			"poder", "estado", "município", "união", "decreto",
		}},
		{Tag: "direito_constitucional", Keywords: []string{
			"constitucional", "constituição", "direitos", "garantias",
			"liberdades", "cidadania", "democracia", "república",
			"federação", "supremo", "stf", "stj", "mandado",
		}},
	}
}
